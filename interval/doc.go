/*Package interval reads the genomic region lists that drive scatter/gather
  variant calling, and provides the small amount of coordinate machinery the
  rest of the repository needs.

  Two region-list shapes are supported:
    weighted: BED-like, tab-separated "contig start end [name [estimate ...]]"
              lines, 0-based half-open, where the fifth column (if present and
              nonempty) is a precomputed runtime estimate in seconds.
    plain:    "contig:start-end" lines, 1-based closed, as accepted by
              ParseRegionString.
  Regardless of input shape, Region coordinates are always 0-based half-open.

  BEDUnion implements interval-union membership queries, and ContigOrder maps
  contig names to their position in a reference sequence dictionary.
  Positions are stored as PosType, which is int32 since that's what BAM files
  are limited to.
*/
package interval
