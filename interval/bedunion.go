package interval

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// getTokens identifies up to the first len(tokens) tokens from curLine,
// returning the number of tokens saved.  Any (group of) characters <= ' ' is
// treated as a delimiter.
func getTokens(tokens [][]byte, curLine []byte) int {
	posEnd := 0
	lineLen := len(curLine)
	for tokenIdx := range tokens {
		// These simple loops are better than any of the standard library
		// string-split functions when only a few tokens are expected.
		pos := posEnd
		for ; pos != lineLen; pos++ {
			if curLine[pos] > ' ' {
				break
			}
		}
		if pos == lineLen {
			return tokenIdx
		}
		posEnd = pos
		for ; posEnd != lineLen; posEnd++ {
			if curLine[posEnd] <= ' ' {
				break
			}
		}
		tokens[tokenIdx] = curLine[pos:posEnd]
	}
	return len(tokens)
}

// PosType is the coordinate type used throughout this repository.
type PosType int32

// PosTypeMax is the maximum value that can be represented by a PosType.
const PosTypeMax = math.MaxInt32

// searchPosType returns the index of x in a[], or the position where x would
// be inserted if x isn't in a (this could be len(a)).  It's exactly the same
// as sort.SearchInt(), except for PosType.
func searchPosType(a []PosType, x PosType) int {
	return sort.Search(len(a), func(i int) bool { return a[i] >= x })
}

// fwdsearchPosType checks a[idx], then a[idx + 1], then a[idx + 3], then
// a[idx + 7], etc., and then uses binary search to finish the job.  It's
// usually a better choice than searchPosType when iterating.
func fwdsearchPosType(a []PosType, x PosType, idx int) int {
	nextIncr := 1
	startIdx := idx
	endIdx := len(a)
	for idx < endIdx {
		if a[idx] >= x {
			endIdx = idx
			break
		}
		startIdx = idx + 1
		idx += nextIncr
		nextIncr *= 2
	}
	for startIdx < endIdx {
		midIdx := int(uint(startIdx+endIdx) >> 1)
		if a[midIdx] >= x {
			endIdx = midIdx
		} else {
			startIdx = midIdx + 1
		}
	}
	return startIdx
}

// BEDUnion is a collection of length-2N sequences, one per contig, where N is
// the number of disjoint intervals on the contig; the (0-based) start position
// of interval #k is in element [2k] and the end position is in element
// [2k+1], and the intervals are stored in increasing order.
//
// A BEDUnion caches search state to accelerate sequential queries, so it must
// not be shared between goroutines; use Clone() instead.
type BEDUnion struct {
	// nameMap is a contig-keyed map with disjoint-interval-set values.
	// Always initialized.
	nameMap map[string]([]PosType)
	// lastChrIntervals points to the disjoint-interval-set for the most recently
	// queried contig.
	lastChrIntervals []PosType
	// lastChrName is the name of the last queried contig.  If it's nonempty,
	// it must be in sync with lastChrIntervals.
	lastChrName string
	// lastPosPlus1 is 1 plus the last spot-queried position.
	lastPosPlus1 PosType
	// lastIdx is searchPosType(lastChrIntervals, lastPosPlus1).  Cached to
	// accelerate sequential queries.
	lastIdx int
	// isSequential is true if all queries since the last contig change have
	// been in order of nondecreasing position.
	isSequential bool
}

// ContainsByName checks whether the (0-based) interval [pos, pos+1) is
// contained within the BEDUnion.
func (u *BEDUnion) ContainsByName(chrName string, pos PosType) bool {
	posPlus1 := pos + 1
	if chrName != u.lastChrName {
		u.lastChrName = chrName
		u.lastChrIntervals = u.nameMap[chrName]
		// Force use of searchPosType() on the first query for a contig.
		if u.lastChrIntervals == nil {
			return false
		}
		u.lastIdx = searchPosType(u.lastChrIntervals, posPlus1)
		u.lastPosPlus1 = posPlus1
		u.isSequential = true
		return u.lastIdx&1 == 1
	}
	if u.lastChrIntervals == nil {
		return false
	}
	if u.isSequential {
		if posPlus1 >= u.lastPosPlus1 {
			u.lastIdx = fwdsearchPosType(u.lastChrIntervals, posPlus1, u.lastIdx)
			u.lastPosPlus1 = posPlus1
			return u.lastIdx&1 == 1
		}
		u.isSequential = false
	}
	return searchPosType(u.lastChrIntervals, posPlus1)&1 == 1
}

// Contigs returns the number of contigs with at least one nonempty interval.
func (u *BEDUnion) Contigs() int {
	n := 0
	for _, intervals := range u.nameMap {
		if len(intervals) > 0 {
			n++
		}
	}
	return n
}

// NewBEDUnionFromRegions initializes a BEDUnion from regions, merging
// touching/overlapping intervals and eliminating empty ones in the process.
// Regions of a contig must be adjacent and sorted by start.
func NewBEDUnionFromRegions(regions []Region) (bedUnion BEDUnion, err error) {
	bedUnion.nameMap = make(map[string]([]PosType))
	prevChr := ""
	var prevStart, prevEnd PosType
	var chrIntervals []PosType
	for _, region := range regions {
		curChr := region.Contig
		if region.Start0 < 0 {
			err = fmt.Errorf("interval.NewBEDUnionFromRegions: negative start coordinate")
			return
		}
		if (region.End < region.Start0) || (region.End >= PosTypeMax) {
			err = fmt.Errorf("interval.NewBEDUnionFromRegions: invalid coordinate pair [%d, %d)", region.Start0, region.End)
			return
		}
		if prevChr != curChr {
			if prevChr != "" {
				// Save last interval, add to map.
				if prevEnd != -1 {
					chrIntervals = append(chrIntervals, prevStart, prevEnd)
				}
				bedUnion.nameMap[prevChr] = chrIntervals
			}
			prevChr = curChr
			if _, found := bedUnion.nameMap[prevChr]; found {
				err = fmt.Errorf("interval.NewBEDUnionFromRegions: unsorted input (split contig %v)", curChr)
				return
			}
			chrIntervals = []PosType{}
			if region.End == region.Start0 {
				prevStart = -1
				prevEnd = -1
				continue
			}
			prevStart = region.Start0
			prevEnd = region.End
			continue
		}
		if region.End == region.Start0 {
			continue
		}
		if prevEnd == -1 {
			prevStart = region.Start0
			prevEnd = region.End
			continue
		}
		if region.Start0 > prevEnd {
			// New interval doesn't overlap previous one, so we can save the
			// previous one.
			chrIntervals = append(chrIntervals, prevStart, prevEnd)
			prevStart = region.Start0
			prevEnd = region.End
		} else {
			if region.Start0 < prevStart {
				err = fmt.Errorf("interval.NewBEDUnionFromRegions: unsorted input")
				return
			}
			// Intervals overlap, merge them.
			if region.End > prevEnd {
				prevEnd = region.End
			}
		}
	}
	if prevChr != "" {
		if prevEnd != -1 {
			chrIntervals = append(chrIntervals, prevStart, prevEnd)
		}
		bedUnion.nameMap[prevChr] = chrIntervals
	}
	return
}

// Clone returns a new BEDUnion which shares the interval set, but has its own
// search state.
func (u *BEDUnion) Clone() (bedUnion BEDUnion) {
	bedUnion.nameMap = u.nameMap
	bedUnion.lastChrIntervals = nil
	bedUnion.lastChrName = ""
	return
}

// ParseRegionString parses a region string of the form
//   [contig ID]:[1-based first pos]-[last pos]
// or
//   [contig ID]:[1-based pos]
// returning the equivalent 0-based half-open Region.
func ParseRegionString(region string) (result Region, err error) {
	if len(region) == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty region string")
		return
	}
	colonPos := strings.LastIndexByte(region, ':')
	if colonPos == -1 {
		err = fmt.Errorf("interval.ParseRegionString: region %q has no position", region)
		return
	}
	if colonPos == 0 {
		err = fmt.Errorf("interval.ParseRegionString: empty contig ID")
		return
	}
	result.Contig = region[0:colonPos]
	rangeStr := region[colonPos+1:]
	dashPos := strings.IndexByte(rangeStr, '-')
	if dashPos == -1 {
		var pos1 int64
		if pos1, err = strconv.ParseInt(rangeStr, 10, 32); err != nil {
			return
		}
		if pos1 <= 0 {
			err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", rangeStr)
			return
		}
		result.Start0 = PosType(pos1 - 1)
		result.End = PosType(pos1)
		return
	}
	start1Str := rangeStr[:dashPos]
	endStr := rangeStr[dashPos+1:]
	var start1 int
	if start1, err = strconv.Atoi(start1Str); err != nil {
		return
	}
	if start1 <= 0 {
		err = fmt.Errorf("interval.ParseRegionString: position %v in region string out of range", start1Str)
		return
	}
	var end int
	if end, err = strconv.Atoi(endStr); err != nil {
		return
	}
	if end < start1 || end >= PosTypeMax {
		err = fmt.Errorf("interval.ParseRegionString: invalid range string %v", rangeStr)
		return
	}
	result.Start0 = PosType(start1 - 1)
	result.End = PosType(end)
	return
}
