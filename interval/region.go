package interval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/varscatter/util"
)

// Format identifies the shape of a region list.
type Format int

const (
	// FormatAuto picks FormatWeighted for .bed/.bed.gz paths and FormatPlain
	// for everything else.
	FormatAuto Format = iota
	// FormatWeighted is a BED-like list whose optional fifth column carries a
	// runtime estimate in seconds.
	FormatWeighted
	// FormatPlain is a list of "contig:start-end" strings.
	FormatPlain
)

// String implements fmt.Stringer.
func (f Format) String() string {
	switch f {
	case FormatWeighted:
		return "weighted"
	case FormatPlain:
		return "plain"
	}
	return "auto"
}

// ParseFormat parses the command-line spelling of a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "auto":
		return FormatAuto, nil
	case "weighted", "bed":
		return FormatWeighted, nil
	case "plain", "list":
		return FormatPlain, nil
	}
	return FormatAuto, errors.E(errors.Invalid, fmt.Sprintf("interval.ParseFormat: unknown region-list format %q", s))
}

// FormatForPath resolves FormatAuto using the path's extension.
func FormatForPath(path string) Format {
	p := strings.TrimSuffix(strings.TrimSuffix(path, ".gz"), ".bgz")
	if strings.HasSuffix(p, ".bed") {
		return FormatWeighted
	}
	return FormatPlain
}

// Region is a single genomic interval, with 0-based half-open coordinates.
// Regions are never modified after they are read.
type Region struct {
	Contig string
	Start0 PosType
	End    PosType
	// Estimate is the precomputed runtime estimate in seconds.  It is only
	// meaningful when HasEstimate is true.
	Estimate    float64
	HasEstimate bool
	// Line is the verbatim input line for weighted input, so that chunk files
	// can carry every column of the original list.  It is empty for plain
	// input.
	Line string
}

// Len returns the number of bases covered by the region.
func (r Region) Len() PosType {
	return r.End - r.Start0
}

// Time returns the estimated processing time of the region in seconds: the
// supplied estimate if there is one, and the region length divided by
// nucleotidesPerSecond otherwise.
func (r Region) Time(nucleotidesPerSecond float64) float64 {
	if r.HasEstimate {
		return r.Estimate
	}
	return float64(r.Len()) / nucleotidesPerSecond
}

// BEDLine renders the region as it should appear in a chunk file.
func (r Region) BEDLine() string {
	if r.Line != "" {
		return r.Line
	}
	return fmt.Sprintf("%s\t%d\t%d", r.Contig, r.Start0, r.End)
}

// String renders the region in 1-based "contig:start-end" form.
func (r Region) String() string {
	return fmt.Sprintf("%s:%d-%d", r.Contig, r.Start0+1, r.End)
}

// ReadRegions loads a region list from path.  Gzip-compressed input is
// detected from the path.  The resolved format is returned alongside the
// regions.
func ReadRegions(ctx context.Context, path string, format Format) (regions []Region, resolved Format, err error) {
	resolved = format
	if resolved == FormatAuto {
		resolved = FormatForPath(path)
	}
	var in *util.Input
	if in, err = util.OpenInput(ctx, path); err != nil {
		return
	}
	defer func() {
		if cerr := in.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if regions, err = ScanRegions(in, resolved); err != nil {
		err = errors.E(err, path)
		return
	}
	log.Printf("interval.ReadRegions: %s: %d %v region(s) loaded", path, len(regions), resolved)
	return
}

// ScanRegions parses a region list of the given (non-auto) format.  Input
// must be sorted: all regions of a contig must be adjacent, and starts must be
// nondecreasing within a contig.  Any malformed line fails the whole scan.
func ScanRegions(r io.Reader, format Format) ([]Region, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)

	var (
		regions  []Region
		lineIdx  int
		prev     Region
		finished = map[string]bool{}
	)
	for scanner.Scan() {
		lineIdx++
		line := scanner.Text()
		if skipLine(line, format) {
			continue
		}
		var (
			region Region
			err    error
		)
		switch format {
		case FormatWeighted:
			region, err = parseWeightedLine(line)
		case FormatPlain:
			region, err = parsePlainLine(line)
		default:
			return nil, errors.E(errors.Invalid, fmt.Sprintf("interval.ScanRegions: unresolved format %v", format))
		}
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("interval.ScanRegions: line %d", lineIdx), err)
		}
		if len(regions) > 0 {
			if region.Contig != prev.Contig {
				finished[prev.Contig] = true
				if finished[region.Contig] {
					return nil, errors.E(errors.Invalid, fmt.Sprintf("interval.ScanRegions: line %d: unsorted input (split contig %s)", lineIdx, region.Contig))
				}
			} else if region.Start0 < prev.Start0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("interval.ScanRegions: line %d: unsorted input", lineIdx))
			}
		}
		regions = append(regions, region)
		prev = region
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return regions, nil
}

func skipLine(line string, format Format) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || trimmed[0] == '#' {
		return true
	}
	if format == FormatPlain {
		return trimmed[0] == '@'
	}
	return strings.HasPrefix(trimmed, "track") || strings.HasPrefix(trimmed, "browser")
}

// parseWeightedLine parses one BED line.  Columns are tab-delimited so that an
// empty name column doesn't shift the estimate column.
func parseWeightedLine(line string) (region Region, err error) {
	line = strings.TrimRight(line, "\r")
	cols := strings.Split(line, "\t")
	if len(cols) < 3 {
		err = fmt.Errorf("expected at least 3 tab-separated columns, found %d", len(cols))
		return
	}
	region.Contig = cols[0]
	if region.Contig == "" {
		err = fmt.Errorf("empty contig")
		return
	}
	var start, end int
	if start, err = strconv.Atoi(cols[1]); err != nil {
		return
	}
	if end, err = strconv.Atoi(cols[2]); err != nil {
		return
	}
	if start < 0 {
		err = fmt.Errorf("negative start coordinate %d", start)
		return
	}
	if end < start || end >= PosTypeMax {
		err = fmt.Errorf("invalid coordinate pair [%d, %d)", start, end)
		return
	}
	region.Start0 = PosType(start)
	region.End = PosType(end)
	if len(cols) >= 5 {
		if est := strings.TrimSpace(cols[4]); est != "" && est != "." {
			if region.Estimate, err = strconv.ParseFloat(est, 64); err != nil {
				return
			}
			if math.IsNaN(region.Estimate) || math.IsInf(region.Estimate, 0) || region.Estimate < 0 {
				err = fmt.Errorf("invalid runtime estimate %q", est)
				return
			}
			region.HasEstimate = true
		}
	}
	region.Line = line
	return
}

// parsePlainLine parses one "contig:start-end" line.  Anything after the first
// whitespace-delimited token is ignored.
func parsePlainLine(line string) (region Region, err error) {
	var tokens [1][]byte
	if getTokens(tokens[:], []byte(line)) == 0 {
		err = fmt.Errorf("empty region")
		return
	}
	str := string(tokens[0])
	if strings.IndexByte(str, '-') == -1 {
		err = fmt.Errorf("region %q has no start-end range", str)
		return
	}
	return ParseRegionString(str)
}
