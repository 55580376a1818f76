// Package layout translates a torrent's logical file list into a concrete
// on-disk scratch/final-file structure: the Layout Planner of the
// piece-storage subsystem (spec component 4.1).
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
)

// FileEntry describes one logical file declared by the torrent metadata,
// relative to the torrent's root directory (fi.Name).
type FileEntry struct {
	// PathSegments is the file's path split into components, e.g.
	// []string{"Disc1", "movie.mkv"}.
	PathSegments []string
	Length       int64
}

// FileInfo is the Planner's input shape: either a single-file torrent or a
// multi-file torrent rooted under a directory named Name.
type FileInfo struct {
	// Name is the torrent's declared name: the file name in the Simple case,
	// the containing directory name in the Multi case.
	Name string
	// Files is nil for Simple (use Length below); any non-nil slice, even an
	// empty one, marks Multi.
	Files []FileEntry
	// Length is the single file's length; only meaningful when Files is nil.
	Length int64
}

func (fi FileInfo) isMulti() bool {
	return fi.Files != nil
}

// SplitPiece is the per-piece scratch recipe: a Normal piece lands whole in
// one scratch file, a Straddling piece crosses a file boundary and is split
// across two, each a sub-range of the piece.
type SplitPiece struct {
	Straddle bool

	// Normal
	Path string

	// Straddling: the first PrefixLen bytes go to PathA (end-of-file-i
	// scratch), the rest to PathB (start-of-file-(i+1) scratch).
	PrefixLen int64
	PathA     string
	PathB     string
}

// Normal builds a whole-piece scratch recipe.
func Normal(path string) SplitPiece {
	return SplitPiece{Path: path}
}

// Straddling builds a two-file scratch recipe for a piece crossing a file
// boundary.
func Straddling(prefixLen int64, pathA, pathB string) SplitPiece {
	return SplitPiece{Straddle: true, PrefixLen: prefixLen, PathA: pathA, PathB: pathB}
}

// FinalFile names a logical output file and the ordered scratch paths that,
// appended in order, equal its bytes.
type FinalFile struct {
	Path string
	Deps []string
}

// FileStructure is the Planner's output: the tagged union of spec.md §3.
type FileStructure struct {
	Multi bool

	// Simple
	SimpleFile string
	Scratch    []string // indexed by piece index

	// Multi
	Split      []SplitPiece // indexed by piece index
	FinalFiles []FinalFile

	PieceSize  int64
	PieceCount int
	TotalSize  int64
}

// PieceLen returns the declared length of piece i: PieceSize for every piece
// but the last, which may be shorter.
func (fs *FileStructure) PieceLen(i int) int64 {
	if i == fs.PieceCount-1 {
		return fs.TotalSize - int64(fs.PieceCount-1)*fs.PieceSize
	}
	return fs.PieceSize
}

// ErrMetadataMalformed reports invalid torrent metadata handed to the
// Planner: negative lengths, an empty Multi file list, or a non-positive
// piece size.
type ErrMetadataMalformed struct {
	Reason string
}

func (e *ErrMetadataMalformed) Error() string {
	return fmt.Sprintf("metadata malformed: %s", e.Reason)
}

// Plan builds the FileStructure for fi under root, using pieceSize as the
// nominal piece length. Plan is pure over validated metadata and fails only
// when the metadata itself is malformed.
func Plan(fi FileInfo, pieceSize int64, root string) (*FileStructure, error) {
	if pieceSize <= 0 {
		return nil, &ErrMetadataMalformed{Reason: "piece length must be positive"}
	}
	if err := validateFileInfo(fi); err != nil {
		return nil, err
	}

	total := totalSize(fi)
	pieceCount := int((total + pieceSize - 1) / pieceSize)
	if pieceCount == 0 {
		pieceCount = 1 // a zero-length torrent still owns one (empty) piece slot
	}

	fs := &FileStructure{
		PieceSize:  pieceSize,
		PieceCount: pieceCount,
		TotalSize:  total,
	}

	if !fi.isMulti() {
		return planSimple(fs, fi, root), nil
	}
	fs.Multi = true
	return planMulti(fs, fi, root), nil
}

func validateFileInfo(fi FileInfo) error {
	if !fi.isMulti() {
		if fi.Length < 0 {
			return &ErrMetadataMalformed{Reason: "negative file length"}
		}
		return nil
	}
	if len(fi.Files) == 0 {
		return &ErrMetadataMalformed{Reason: "multi-file torrent with no files"}
	}
	for _, f := range fi.Files {
		if f.Length < 0 {
			return &ErrMetadataMalformed{Reason: "negative file length"}
		}
		if len(f.PathSegments) == 0 {
			return &ErrMetadataMalformed{Reason: "file with empty path"}
		}
		for _, seg := range f.PathSegments {
			if seg == "" || seg == "." || seg == ".." || strings.ContainsAny(seg, `/\`) {
				return &ErrMetadataMalformed{Reason: fmt.Sprintf("unsafe path segment %q", seg)}
			}
		}
	}
	return nil
}

func totalSize(fi FileInfo) int64 {
	if !fi.isMulti() {
		return fi.Length
	}
	var total int64
	for _, f := range fi.Files {
		total += f.Length
	}
	return total
}

func planSimple(fs *FileStructure, fi FileInfo, root string) *FileStructure {
	scratch := make([]string, fs.PieceCount)
	for i := range scratch {
		scratch[i] = filepath.Join(root, fmt.Sprintf("piece-%d.bin", i))
	}
	fs.SimpleFile = filepath.Join(root, fi.Name)
	fs.Scratch = scratch
	return fs
}

// carry describes a piece that has already received its prefix from the
// previous file and still needs pendingSuffixLen bytes from the current
// file, at which point its SplitPiece is finalized.
type carry struct {
	pathA            string // end-of-previous-file scratch
	pendingSuffixLen int64
	pieceIndex       int // the piece this carry will complete
}

func planMulti(fs *FileStructure, fi FileInfo, root string) *FileStructure {
	pieceSize := fs.PieceSize
	split := make([]SplitPiece, fs.PieceCount)

	var c *carry
	i := 0 // next piece index not yet fully placed
	lastFileIdx := len(fi.Files) - 1

	for fileIdx, f := range fi.Files {
		finalPath := filepath.Join(root, fi.Name, filepath.Join(f.PathSegments...))
		thisDir := filepath.Dir(finalPath)

		var deps []string
		effectiveL := f.Length

		if c != nil {
			startPath := finalPath + ".start"
			prefixLen := pieceSize - c.pendingSuffixLen
			split[c.pieceIndex] = Straddling(prefixLen, c.pathA, startPath)
			deps = append(deps, startPath)
			effectiveL = f.Length - c.pendingSuffixLen
			c = nil
		}

		q := effectiveL / pieceSize
		r := effectiveL % pieceSize

		for k := i; k < i+int(q); k++ {
			p := filepath.Join(thisDir, fmt.Sprintf("piece-%d.bin", k))
			split[k] = Normal(p)
			deps = append(deps, p)
		}

		switch {
		case r == 0:
			i += int(q)
		case fileIdx != lastFileIdx:
			endPath := finalPath + ".end"
			deps = append(deps, endPath)
			c = &carry{pathA: endPath, pendingSuffixLen: pieceSize - r, pieceIndex: i + int(q)}
			i += int(q) + 1
		default:
			// Last file, short last piece: lives wholly in this file, under
			// its own directory (Open Question 3, SPEC_FULL.md §9).
			lastIdx := i + int(q)
			p := filepath.Join(thisDir, fmt.Sprintf("piece-%d.bin", lastIdx))
			split[lastIdx] = Normal(p)
			deps = append(deps, p)
			i += int(q) + 1
		}

		fs.FinalFiles = append(fs.FinalFiles, FinalFile{Path: finalPath, Deps: deps})
	}

	fs.Split = split
	return fs
}
