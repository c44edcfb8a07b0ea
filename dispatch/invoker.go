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
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/varscatter/gather"
	"github.com/grailbio/varscatter/scatter"
	"github.com/pkg/errors"
	"github.com/valyala/fasttemplate"
)

// Reference lists the reference files passed to every command.
type Reference struct {
	Fasta      string
	Index      string
	Dict       string
	KnownSites string
}

// DefaultTemplates are command templates for the supported callers.  The
// tools must be on $PATH.
var DefaultTemplates = map[scatter.Caller]string{
	scatter.HaplotypeCaller: "gatk HaplotypeCaller -R {{ref}} -I {{bam}} -L {{intervals}} -D {{knownSites}} " +
		"{{recalFlag}} -ERC GVCF -O {{rawOut}} && " +
		"gatk GenotypeGVCFs -R {{ref}} -L {{intervals}} -D {{knownSites}} -V {{rawOut}} -O {{out}}",
	scatter.StrelkaGermline: "configureStrelkaGermlineWorkflow.py --bam {{bam}} --referenceFasta {{ref}} " +
		"--callRegions {{intervals}}.gz --runDir {{workDir}} && {{workDir}}/runWorkflow.py -m local -j 1 && " +
		"cp {{workDir}}/results/variants/variants.vcf.gz {{out}}",
	scatter.Manta: "configManta.py --bam {{bam}} --referenceFasta {{ref}} --callRegions {{intervals}}.gz " +
		"--runDir {{workDir}} && {{workDir}}/runWorkflow.py -m local -j 1 && " +
		"cp {{workDir}}/results/variants/diploidSV.vcf.gz {{out}}",
	scatter.Mutect2: "gatk Mutect2 -R {{ref}} -I {{tumorBam}} -tumor {{tumor}} -I {{bam}} -normal {{sample}} " +
		"-L {{intervals}} {{recalFlag}} -O {{out}}",
	scatter.FreeBayes: "freebayes -f {{ref}} -t {{intervals}} {{bam}} {{tumorBam}} | bgzip -c > {{out}}",
	scatter.StrelkaSomatic: "configureStrelkaSomaticWorkflow.py --normalBam {{bam}} --tumorBam {{tumorBam}} " +
		"--referenceFasta {{ref}} --callRegions {{intervals}}.gz --runDir {{workDir}} && " +
		"{{workDir}}/runWorkflow.py -m local -j 1 && " +
		"cp {{workDir}}/results/variants/somatic.snvs.vcf.gz {{out}}",
}

// templateTags lists the placeholders a command template may use.
var templateTags = map[string]bool{
	"ref": true, "refIndex": true, "refDict": true, "knownSites": true,
	"intervals": true, "sample": true, "tumor": true,
	"bam": true, "bai": true, "tumorBam": true, "tumorBai": true,
	"recal": true, "tumorRecal": true, "recalFlag": true,
	"out": true, "rawOut": true, "workDir": true,
}

// CommandInvoker runs each work item as a shell command rendered from its
// caller's template.  Outputs are written under
// "<outDir>/<key dir>/<chunk id><family suffix>", where the key dir is
// scatter.Key.Dir.
type CommandInvoker struct {
	templates map[scatter.Caller]*fasttemplate.Template
	ref       Reference
	outDir    string
	// Shell runs the rendered command with "-c".
	Shell string
}

// NewCommandInvoker parses the templates.  Unknown placeholders are an
// error.
func NewCommandInvoker(templates map[scatter.Caller]string, ref Reference, outDir string) (*CommandInvoker, error) {
	inv := &CommandInvoker{
		templates: make(map[scatter.Caller]*fasttemplate.Template, len(templates)),
		ref:       ref,
		outDir:    outDir,
		Shell:     "bash",
	}
	for caller, text := range templates {
		t, err := fasttemplate.NewTemplate(text, "{{", "}}")
		if err != nil {
			return nil, errors.Wrapf(err, "%v: command template", caller)
		}
		if _, err := t.ExecuteFunc(ioutil.Discard, func(w io.Writer, tag string) (int, error) {
			if !templateTags[strings.TrimSpace(tag)] {
				return 0, errors.Errorf("unknown placeholder {{%s}}", tag)
			}
			return 0, nil
		}); err != nil {
			return nil, errors.Wrapf(err, "%v: command template", caller)
		}
		inv.templates[caller] = t
	}
	return inv, nil
}

// ReadTemplates reads a two-column "caller<TAB>command" file.  Callers not
// listed keep their DefaultTemplates entry.
func ReadTemplates(r io.Reader) (map[scatter.Caller]string, error) {
	templates := make(map[scatter.Caller]string, len(DefaultTemplates))
	for c, t := range DefaultTemplates {
		templates[c] = t
	}
	tr := tsv.NewReader(r)
	tr.Comment = '#'
	tr.FieldsPerRecord = 2
	tr.LazyQuotes = true
	for {
		var row struct {
			Caller  string
			Command string
		}
		err := tr.Read(&row)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "command templates")
		}
		caller, err := scatter.ParseCaller(row.Caller)
		if err != nil {
			return nil, err
		}
		templates[caller] = row.Command
	}
	return templates, nil
}

// OutputPath returns where item writes its output of the given family.
func (inv *CommandInvoker) OutputPath(item *scatter.WorkItem, family scatter.Family) string {
	return filepath.Join(inv.outDir, item.Key.Dir(), item.Chunk.ID+family.Suffix())
}

func (inv *CommandInvoker) values(item *scatter.WorkItem) map[string]string {
	v := map[string]string{
		"ref":        inv.ref.Fasta,
		"refIndex":   inv.ref.Index,
		"refDict":    inv.ref.Dict,
		"knownSites": inv.ref.KnownSites,
		"intervals":  item.Chunk.Path,
		"sample":     item.Sample,
		"tumor":      item.Tumor,
		"bam":        item.File,
		"bai":        item.Index,
		"tumorBam":   item.TumorFile,
		"tumorBai":   item.TumorIndex,
		"recal":      item.Recal,
		"tumorRecal": item.TumorRecal,
		"out":        inv.OutputPath(item, scatter.Genotyped),
		"rawOut":     inv.OutputPath(item, scatter.Raw),
		"workDir":    filepath.Join(inv.outDir, item.Key.Dir(), item.Chunk.ID+".work"),
	}
	if item.Recal != scatter.NoRecal && item.Recal != "" {
		v["recalFlag"] = "--bqsr-recal-file " + item.Recal
	}
	return v
}

// Command renders the command line of item.
func (inv *CommandInvoker) Command(item *scatter.WorkItem) (string, error) {
	t, ok := inv.templates[item.Caller]
	if !ok {
		return "", errors.Errorf("%v: no command template for caller %v", item, item.Caller)
	}
	values := inv.values(item)
	var buf bytes.Buffer
	if _, err := t.ExecuteFunc(&buf, func(w io.Writer, tag string) (int, error) {
		return io.WriteString(w, values[strings.TrimSpace(tag)])
	}); err != nil {
		return "", errors.Wrapf(err, "%v", item)
	}
	return buf.String(), nil
}

// Invoke implements Invoker.  It fails if the command exits non-zero, or if
// any output of the item's families is missing afterwards.
func (inv *CommandInvoker) Invoke(ctx context.Context, item *scatter.WorkItem) ([]gather.Artifact, error) {
	cmdline, err := inv.Command(item)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(inv.outDir, item.Key.Dir()), 0755); err != nil {
		return nil, errors.Wrapf(err, "%v", item)
	}
	log.Debug.Printf("dispatch: %v: %s", item, cmdline)
	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, inv.Shell, "-c", cmdline)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "%v: %s", item, tail(output.String(), 10))
	}
	var artifacts []gather.Artifact
	for _, family := range item.Caller.Families() {
		path := inv.OutputPath(item, family)
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "%v: %v output missing", item, family)
		}
		artifacts = append(artifacts, gather.Artifact{Key: item.Key, Family: family, ChunkID: item.Chunk.ID, Path: path})
	}
	return artifacts, nil
}

// tail returns the last n lines of s.
func tail(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = append([]string{fmt.Sprintf("[%d lines elided]", len(lines)-n)}, lines[len(lines)-n:]...)
	}
	return strings.Join(lines, "\n")
}
