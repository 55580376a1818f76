// Package mapping builds the piece-index-keyed read recipe table (the
// piece-storage subsystem's Piece Mapping component, spec component 4.3)
// from a layout.FileStructure.
package mapping

import (
	"fmt"

	"github.com/omnicloud/piecestore/internal/layout"
)

// Embedded names where a segment's bytes live once its owning final file has
// been merged.
type Embedded struct {
	FinalPath string
	Offset    int64
	Length    int64
}

// Segment is one ordered sub-range of a piece. Scratch is the path a reader
// should consult first; Embedded is the fallback once Scratch no longer
// exists on disk.
type Segment struct {
	Scratch  string
	Embedded Embedded
}

// Mapping is the immutable, piece-index-keyed table of read recipes.
type Mapping [][]Segment

// Build constructs the Mapping for fs, consulting fi for logical file byte
// ranges in the Multi case. Build is pure; it never touches the filesystem.
func Build(fs *layout.FileStructure, fi layout.FileInfo) (Mapping, error) {
	if !fs.Multi {
		return buildSimple(fs), nil
	}
	return buildMulti(fs, fi)
}

func buildSimple(fs *layout.FileStructure) Mapping {
	m := make(Mapping, fs.PieceCount)
	for i := 0; i < fs.PieceCount; i++ {
		m[i] = []Segment{{
			Scratch: fs.Scratch[i],
			Embedded: Embedded{
				FinalPath: fs.SimpleFile,
				Offset:    int64(i) * fs.PieceSize,
				Length:    fs.PieceLen(i),
			},
		}}
	}
	return m
}

type fileSpan struct {
	path  string
	start int64
	end   int64 // exclusive
}

func buildMulti(fs *layout.FileStructure, fi layout.FileInfo) (Mapping, error) {
	spans := make([]fileSpan, 0, len(fi.Files))
	var cursor int64
	for idx, ff := range fs.FinalFiles {
		length := fi.Files[idx].Length
		spans = append(spans, fileSpan{path: ff.Path, start: cursor, end: cursor + length})
		cursor += length
	}

	m := make(Mapping, fs.PieceCount)
	for i := 0; i < fs.PieceCount; i++ {
		pieceStart := int64(i) * fs.PieceSize
		pieceEnd := pieceStart + fs.PieceLen(i)

		var overlaps []fileSpan
		for _, s := range spans {
			if s.start < pieceEnd && s.end > pieceStart {
				overlaps = append(overlaps, s)
			}
		}

		split := fs.Split[i]
		var segs []Segment
		switch {
		case !split.Straddle && len(overlaps) == 1:
			s := overlaps[0]
			segs = []Segment{{
				Scratch: split.Path,
				Embedded: Embedded{
					FinalPath: s.path,
					Offset:    pieceStart - s.start,
					Length:    pieceEnd - pieceStart,
				},
			}}
		case split.Straddle && len(overlaps) == 2:
			first, second := overlaps[0], overlaps[1]
			overlapEnd := first.end
			segs = []Segment{
				{
					Scratch: split.PathA,
					Embedded: Embedded{
						FinalPath: first.path,
						Offset:    pieceStart - first.start,
						Length:    overlapEnd - pieceStart,
					},
				},
				{
					Scratch: split.PathB,
					Embedded: Embedded{
						FinalPath: second.path,
						Offset:    0,
						Length:    pieceEnd - overlapEnd,
					},
				},
			}
		default:
			return nil, fmt.Errorf("mapping: piece %d overlaps %d file(s) but split.Straddle=%v", i, len(overlaps), split.Straddle)
		}
		m[i] = segs
	}
	return m, nil
}
