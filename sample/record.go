// Package sample reads sample manifests and recalibration-table relations,
// and derives the per-role and per-subject streams that variant callers are
// scattered over.
package sample

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// Role classifies a sample as taken from normal or tumor tissue.
type Role int

const (
	// Normal is the role of status flag 0.
	Normal Role = iota
	// Tumor is the role of every other integer status flag.
	Tumor
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case Normal:
		return "normal"
	case Tumor:
		return "tumor"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ParseStatus maps a manifest status flag to a Role.  Anything that isn't an
// integer is rejected.
func ParseStatus(status string) (Role, error) {
	v, err := strconv.Atoi(strings.TrimSpace(status))
	if err != nil {
		return Normal, errors.E(errors.Invalid, fmt.Sprintf("sample.ParseStatus: status flag %q is not an integer", status))
	}
	if v == 0 {
		return Normal, nil
	}
	return Tumor, nil
}

// Record describes one aligned sample.
type Record struct {
	Subject string
	Role    Role
	// Sample is unique within a run.
	Sample string
	// File is the aligned-read file; Index is its index.
	File  string
	Index string
}

// String implements fmt.Stringer.
func (r Record) String() string {
	return fmt.Sprintf("%s/%s(%v)", r.Subject, r.Sample, r.Role)
}
