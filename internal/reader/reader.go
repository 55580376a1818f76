// Package reader implements the Piece Reader (spec component 4.4): it
// resolves a piece or block read against the piece mapping, preferring the
// scratch file while it still exists and falling back to the embedded
// location once it has been merged.
package reader

import (
	"errors"
	"fmt"
	"os"

	"github.com/omnicloud/piecestore/internal/mapping"
)

// ErrUnexpectedMissingScratch reports that neither a segment's scratch file
// nor its embedded final-file range could be read — a logic bug or external
// tampering, not an ordinary I/O failure.
type ErrUnexpectedMissingScratch struct {
	PieceIndex int
	Segment    int
	Err        error
}

func (e *ErrUnexpectedMissingScratch) Error() string {
	return fmt.Sprintf("piece %d segment %d: neither scratch nor embedded bytes available: %v",
		e.PieceIndex, e.Segment, e.Err)
}
func (e *ErrUnexpectedMissingScratch) Unwrap() error { return e.Err }

// ErrIoRead wraps an ordinary disk-read failure.
type ErrIoRead struct {
	Path string
	Err  error
}

func (e *ErrIoRead) Error() string { return fmt.Sprintf("read %s: %v", e.Path, e.Err) }
func (e *ErrIoRead) Unwrap() error { return e.Err }

// Reader serves piece and block reads against an immutable PieceMapping.
// Reader never mutates disk state and needs no synchronization of its own:
// the filesystem is the only shared state, and existence checks are
// inherently safe to race against Writer's merges (spec.md §5).
type Reader struct {
	m mapping.Mapping
}

// New creates a Reader over m.
func New(m mapping.Mapping) *Reader {
	return &Reader{m: m}
}

// ReadPiece returns the full declared bytes of piece i.
func (r *Reader) ReadPiece(i int) ([]byte, error) {
	segs := r.m[i]
	out := make([]byte, 0, segLenSum(segs))
	for segIdx, seg := range segs {
		b, err := r.readSegment(seg)
		if err != nil {
			var ioErr *ErrIoRead
			if errors.As(err, &ioErr) && ioErr.Path == seg.Scratch {
				return nil, err // scratch exists but could not be read
			}
			return nil, &ErrUnexpectedMissingScratch{PieceIndex: i, Segment: segIdx, Err: err}
		}
		out = append(out, b...)
	}
	return out, nil
}

// ReadBlock returns length bytes of piece `piece` starting at offset. It is
// implemented in terms of ReadPiece, as spec.md §4.4 allows ("simple and
// sufficient for correctness").
func (r *Reader) ReadBlock(piece int, offset, length int64) ([]byte, error) {
	full, err := r.ReadPiece(piece)
	if err != nil {
		return nil, err
	}
	if offset < 0 || length < 0 || offset+length > int64(len(full)) {
		return nil, fmt.Errorf("block out of range: piece %d len %d, requested [%d,%d)", piece, len(full), offset, offset+length)
	}
	return full[offset : offset+length], nil
}

func segLenSum(segs []mapping.Segment) int64 {
	var n int64
	for _, s := range segs {
		n += s.Embedded.Length
	}
	return n
}

// readSegment picks Scratch if it still exists on disk, else Embedded. This
// tie-break (spec.md §4.4) is what preserves I-3 (read-availability) across
// a concurrent merge: a dep is only unlinked after its bytes are durably
// appended, so whichever branch is taken is always correct.
func (r *Reader) readSegment(seg mapping.Segment) ([]byte, error) {
	if seg.Scratch != "" {
		b, err := readWholeFile(seg.Scratch)
		if err == nil {
			return b, nil
		}
		if !os.IsNotExist(err) {
			return nil, &ErrIoRead{Path: seg.Scratch, Err: err}
		}
		// Scratch gone: fall through to embedded.
	}
	return readRange(seg.Embedded.FinalPath, seg.Embedded.Offset, seg.Embedded.Length)
}

func readWholeFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func readRange(path string, offset, length int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ErrIoRead{Path: path, Err: err}
	}
	defer f.Close()
	b := make([]byte, length)
	n, err := f.ReadAt(b, offset)
	if err != nil && int64(n) < length {
		return nil, &ErrIoRead{Path: path, Err: err}
	}
	return b, nil
}
