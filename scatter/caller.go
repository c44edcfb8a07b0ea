// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package scatter

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/varscatter/sample"
	"github.com/grailbio/varscatter/util"
)

// Caller is one of the supported variant callers.  The set is closed; each
// caller's applicability is fixed in callerInfo.
type Caller int

const (
	// HaplotypeCaller is the GATK germline caller.  It runs on every sample
	// and emits both a raw (gVCF) and a genotyped call set.
	HaplotypeCaller Caller = iota
	// StrelkaGermline runs on normal samples only.
	StrelkaGermline
	// Manta is a single-sample structural-variant caller.
	Manta
	// Mutect2 is the GATK somatic caller, run on normal/tumor pairs.
	Mutect2
	// FreeBayes is run on normal/tumor pairs.
	FreeBayes
	// StrelkaSomatic is run on normal/tumor pairs.
	StrelkaSomatic

	numCallers
)

// Family is one of the output files a caller produces for each work item.
// Each family is gathered separately.
type Family int

const (
	// Genotyped is the final call set.
	Genotyped Family = iota
	// Raw is the per-base genomic (gVCF) record set.
	Raw
)

// String implements fmt.Stringer.
func (f Family) String() string {
	if f == Raw {
		return "raw"
	}
	return "genotyped"
}

// Suffix is the file-name suffix of the family's (chunk or merged) outputs.
func (f Family) Suffix() string {
	if f == Raw {
		return ".g.vcf.gz"
	}
	return ".vcf.gz"
}

// ParseFamily is the inverse of Family.String.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "genotyped":
		return Genotyped, nil
	case "raw":
		return Raw, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("scatter.ParseFamily: unknown family %q", s))
}

type callerInfo struct {
	name       string
	paired     bool
	normalOnly bool
	usesRecal  bool
	families   []Family
}

var callers = [numCallers]callerInfo{
	HaplotypeCaller: {name: "haplotypecaller", usesRecal: true, families: []Family{Raw, Genotyped}},
	StrelkaGermline: {name: "strelka", normalOnly: true, families: []Family{Genotyped}},
	Manta:           {name: "manta", families: []Family{Genotyped}},
	Mutect2:         {name: "mutect2", paired: true, usesRecal: true, families: []Family{Genotyped}},
	FreeBayes:       {name: "freebayes", paired: true, families: []Family{Genotyped}},
	StrelkaSomatic:  {name: "strelka_somatic", paired: true, families: []Family{Genotyped}},
}

// String returns the caller's canonical name.
func (c Caller) String() string {
	if c < 0 || c >= numCallers {
		return fmt.Sprintf("Caller(%d)", int(c))
	}
	return callers[c].name
}

// Paired reports whether the caller runs on normal/tumor pairs rather than on
// single samples.
func (c Caller) Paired() bool { return callers[c].paired }

// UsesRecal reports whether the caller consumes recalibration tables.
func (c Caller) UsesRecal() bool { return callers[c].usesRecal }

// Families lists the outputs the caller produces per work item.
func (c Caller) Families() []Family { return callers[c].families }

// Applies reports whether a single-sample caller runs on the record.  It is
// false for every record if the caller is paired.
func (c Caller) Applies(r sample.Record) bool {
	info := callers[c]
	if info.paired {
		return false
	}
	return !info.normalOnly || r.Role == sample.Normal
}

// AllCallers lists every caller, in declaration order.
func AllCallers() []Caller {
	all := make([]Caller, numCallers)
	for i := range all {
		all[i] = Caller(i)
	}
	return all
}

func callerNames() []string {
	names := make([]string, numCallers)
	for i := range names {
		names[i] = callers[i].name
	}
	return names
}

// ParseCaller parses a caller name, case-insensitively.
func ParseCaller(name string) (Caller, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for i, info := range callers {
		if info.name == lower {
			return Caller(i), nil
		}
	}
	msg := fmt.Sprintf("scatter.ParseCaller: unknown caller %q (known: %s)", name, strings.Join(callerNames(), ", "))
	if s := util.Suggest(lower, callerNames()); s != "" {
		msg += fmt.Sprintf("; did you mean %q?", s)
	}
	return 0, errors.E(errors.Invalid, msg)
}

// ParseCallers parses a comma-separated caller list.  Unknown or repeated
// names are an error.
func ParseCallers(list string) ([]Caller, error) {
	var (
		result []Caller
		seen   [numCallers]bool
	)
	for _, name := range strings.Split(list, ",") {
		if strings.TrimSpace(name) == "" {
			continue
		}
		c, err := ParseCaller(name)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("scatter.ParseCallers: caller %v listed twice", c))
		}
		seen[c] = true
		result = append(result, c)
	}
	if len(result) == 0 {
		return nil, errors.E(errors.Invalid, "scatter.ParseCallers: no callers given")
	}
	return result, nil
}
