// Package writer implements the Piece Writer (spec component 4.2): it lands
// completed pieces in their scratch files and merges final files once all of
// their dependencies exist on disk.
package writer

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/omnicloud/piecestore/internal/layout"
)

// CompletedPiece is one (index, bytes) pair handed to WriteBatch.
type CompletedPiece struct {
	Index int
	Bytes []byte
}

// ErrIoWrite wraps a scratch- or final-file write failure.
type ErrIoWrite struct {
	Path string
	Err  error
}

func (e *ErrIoWrite) Error() string { return fmt.Sprintf("write %s: %v", e.Path, e.Err) }
func (e *ErrIoWrite) Unwrap() error { return e.Err }

// ErrIoUnlink wraps a scratch-delete failure during merge.
type ErrIoUnlink struct {
	Path string
	Err  error
}

func (e *ErrIoUnlink) Error() string { return fmt.Sprintf("unlink %s: %v", e.Path, e.Err) }
func (e *ErrIoUnlink) Unwrap() error { return e.Err }

// MergeJournal durably records, per final file, whether its dependencies
// have already been merged. It is an optional fast path/second line of
// defense (spec.md §9): the Writer's own derived check — "final file exists
// and none of its deps do" — is sufficient for I-4 idempotence on its own
// (as long as append-then-fsync-then-unlink ordering holds), but a journal
// lets that check short-circuit without touching the disk at all, and
// survives a crash that leaves a dependency behind after its bytes were
// already durably appended.
type MergeJournal interface {
	// IsMerged reports whether finalPath has already been fully merged.
	IsMerged(finalPath string) (bool, error)
	// MarkMerged records that finalPath has been fully merged.
	MarkMerged(finalPath string) error
}

// NopJournal is a MergeJournal that remembers nothing; the Writer falls back
// entirely to its derived filesystem check.
type NopJournal struct{}

func (NopJournal) IsMerged(string) (bool, error) { return false, nil }
func (NopJournal) MarkMerged(string) error       { return nil }

// Writer writes completed pieces to scratch files and merges final files
// opportunistically. It owns no concurrency primitives of its own: spec.md
// §5 places it behind a single-goroutine Writer Process (internal/process).
type Writer struct {
	fs      *layout.FileStructure
	journal MergeJournal

	// finalDeps and scratchOwner are built once from fs and never mutated;
	// they let writePiece and mergeCheck answer "has this final file
	// already been merged" without re-deriving the structure's shape.
	finalDeps    map[string][]string
	scratchOwner map[string]string
}

// New creates a Writer over fs. journal may be nil, in which case NopJournal
// is used.
func New(fs *layout.FileStructure, journal MergeJournal) *Writer {
	if journal == nil {
		journal = NopJournal{}
	}
	w := &Writer{
		fs:           fs,
		journal:      journal,
		finalDeps:    make(map[string][]string),
		scratchOwner: make(map[string]string),
	}
	if fs.Multi {
		for _, ff := range fs.FinalFiles {
			w.finalDeps[ff.Path] = ff.Deps
			for _, dep := range ff.Deps {
				w.scratchOwner[dep] = ff.Path
			}
		}
	} else {
		w.finalDeps[fs.SimpleFile] = fs.Scratch
		for _, dep := range fs.Scratch {
			w.scratchOwner[dep] = fs.SimpleFile
		}
	}
	return w
}

// WriteBatch writes each completed piece to its scratch location(s), then
// attempts a merge check for every final file.
func (w *Writer) WriteBatch(pieces []CompletedPiece) error {
	for _, p := range pieces {
		if err := w.writePiece(p.Index, p.Bytes); err != nil {
			return err
		}
	}
	for finalPath, deps := range w.finalDeps {
		if err := w.mergeCheck(finalPath, deps); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writePiece(index int, b []byte) error {
	if !w.fs.Multi {
		return w.writeScratchIfNotMerged(w.fs.Scratch[index], b)
	}
	split := w.fs.Split[index]
	if !split.Straddle {
		return w.writeScratchIfNotMerged(split.Path, b)
	}
	if int64(len(b)) < split.PrefixLen {
		return fmt.Errorf("piece %d: short write, have %d bytes, prefix needs %d", index, len(b), split.PrefixLen)
	}
	if err := w.writeScratchIfNotMerged(split.PathA, b[:split.PrefixLen]); err != nil {
		return err
	}
	return w.writeScratchIfNotMerged(split.PathB, b[split.PrefixLen:])
}

// writeScratchIfNotMerged implements invariant I-4: replaying an
// already-merged piece must not disturb the final file. If the scratch's
// owning final file has already been fully merged, the write is a no-op.
func (w *Writer) writeScratchIfNotMerged(path string, b []byte) error {
	if finalPath, ok := w.scratchOwner[path]; ok {
		merged, err := w.alreadyMerged(finalPath)
		if err != nil {
			return err
		}
		if merged {
			return nil
		}
	}
	return writeScratch(path, b)
}

func writeScratch(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return &ErrIoWrite{Path: path, Err: err}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &ErrIoWrite{Path: path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		return &ErrIoWrite{Path: path, Err: err}
	}
	return f.Sync()
}

// alreadyMerged reports whether finalPath's dependencies have already been
// fully merged into it, via the journal (fast path) or, failing that, the
// derived filesystem signal: the final file exists and none of its
// dependencies currently do.
func (w *Writer) alreadyMerged(finalPath string) (bool, error) {
	if merged, err := w.journal.IsMerged(finalPath); err != nil {
		return false, err
	} else if merged {
		return true, nil
	}

	if _, err := os.Stat(finalPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &ErrIoWrite{Path: finalPath, Err: err}
	}
	for _, dep := range w.finalDeps[finalPath] {
		if _, err := os.Stat(dep); err == nil {
			return false, nil // a dependency still exists: merge incomplete
		} else if !os.IsNotExist(err) {
			return false, &ErrIoWrite{Path: dep, Err: err}
		}
	}
	return true, nil
}

// mergeCheck appends deps into finalPath, in order, iff all of them
// currently exist, then deletes them. It is a no-op (not an error) when a
// dependency is missing — the caller retries on a future batch.
func (w *Writer) mergeCheck(finalPath string, deps []string) error {
	if already, err := w.alreadyMerged(finalPath); err != nil {
		return err
	} else if already {
		// Clean up any dependency left behind by a crash between fsync and
		// unlink; harmless if there is nothing to remove.
		for _, dep := range deps {
			if err := os.Remove(dep); err != nil && !os.IsNotExist(err) {
				return &ErrIoUnlink{Path: dep, Err: err}
			}
		}
		return nil
	}

	for _, dep := range deps {
		if _, err := os.Stat(dep); err != nil {
			if os.IsNotExist(err) {
				return nil // not all deps present yet; retry on a future batch
			}
			return &ErrIoWrite{Path: dep, Err: err}
		}
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0755); err != nil {
		return &ErrIoWrite{Path: finalPath, Err: err}
	}
	out, err := os.OpenFile(finalPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return &ErrIoWrite{Path: finalPath, Err: err}
	}
	for _, dep := range deps {
		if err := appendFile(out, dep); err != nil {
			out.Close()
			return err
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return &ErrIoWrite{Path: finalPath, Err: err}
	}
	if err := out.Close(); err != nil {
		return &ErrIoWrite{Path: finalPath, Err: err}
	}

	if err := w.journal.MarkMerged(finalPath); err != nil {
		log.Printf("[writer] merge journal mark failed for %s: %v (derived check still protects idempotence)", finalPath, err)
	}

	for _, dep := range deps {
		if err := os.Remove(dep); err != nil && !os.IsNotExist(err) {
			return &ErrIoUnlink{Path: dep, Err: err}
		}
	}
	log.Printf("[writer] merged %s from %d dependencies", finalPath, len(deps))
	return nil
}

func appendFile(out *os.File, depPath string) error {
	in, err := os.Open(depPath)
	if err != nil {
		return &ErrIoWrite{Path: depPath, Err: err}
	}
	defer in.Close()
	if _, err := io.Copy(out, in); err != nil {
		return &ErrIoWrite{Path: depPath, Err: err}
	}
	return nil
}
