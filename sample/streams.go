package sample

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Pair is one normal/tumor combination of a subject.
type Pair struct {
	Subject       string
	Normal, Tumor Record
}

// String implements fmt.Stringer.
func (p Pair) String() string {
	return fmt.Sprintf("%s/%s_vs_%s", p.Subject, p.Normal.Sample, p.Tumor.Sample)
}

// Streams holds the relations derived from a manifest.  They are read-only
// once Build returns, and may be shared by any number of consumers.
type Streams struct {
	// Normal and Tumor partition the records by role, in manifest order.
	Normal []Record
	Tumor  []Record
	// Pairs holds, for every subject in first-seen order, each of its
	// normals combined with each of its tumors.
	Pairs []Pair
	// Subjects holds every record in manifest order, regardless of role.
	Subjects []Record
}

// Build derives Streams from records.  Sample ids must be unique.  Subjects
// without a normal or without a tumor contribute no pairs; they are logged
// but not an error.
func Build(records []Record) (Streams, error) {
	var (
		s        Streams
		bySample = make(map[string]Record, len(records))
		subjects []string
		normals  = map[string][]Record{}
		tumors   = map[string][]Record{}
	)
	for _, r := range records {
		if prev, ok := bySample[r.Sample]; ok {
			return Streams{}, errors.E(errors.Invalid, fmt.Sprintf("sample.Build: sample %s appears twice (%v, %v)", r.Sample, prev, r))
		}
		bySample[r.Sample] = r
		if len(normals[r.Subject]) == 0 && len(tumors[r.Subject]) == 0 {
			subjects = append(subjects, r.Subject)
		}
		switch r.Role {
		case Normal:
			s.Normal = append(s.Normal, r)
			normals[r.Subject] = append(normals[r.Subject], r)
		case Tumor:
			s.Tumor = append(s.Tumor, r)
			tumors[r.Subject] = append(tumors[r.Subject], r)
		default:
			return Streams{}, errors.E(errors.Invalid, fmt.Sprintf("sample.Build: %v has no valid role", r))
		}
		s.Subjects = append(s.Subjects, r)
	}
	for _, subject := range subjects {
		n, t := normals[subject], tumors[subject]
		if len(n) == 0 || len(t) == 0 {
			log.Printf("sample.Build: subject %s has %d normal and %d tumor sample(s); no pairs", subject, len(n), len(t))
			continue
		}
		for _, normal := range n {
			for _, tumor := range t {
				s.Pairs = append(s.Pairs, Pair{Subject: subject, Normal: normal, Tumor: tumor})
			}
		}
	}
	log.Printf("sample.Build: %d normal, %d tumor, %d pair(s) over %d subject(s)",
		len(s.Normal), len(s.Tumor), len(s.Pairs), len(subjects))
	return s, nil
}
