// Package torrentmeta decodes bencoded torrent metadata (spec.md §6.1) into
// the shape internal/layout's Planner consumes, and models the tracker
// announce request/response wire shapes referenced in spec.md §6.4.
//
// Decoding itself is delegated to github.com/anacrolix/torrent/metainfo and
// github.com/anacrolix/torrent/bencode, the same pair the teacher codebase
// uses for this job (DESIGN.md's internal/torrentmeta entry names the
// teacher's downloader.go and generator.go usage this mirrors).
package torrentmeta

import (
	"fmt"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"github.com/omnicloud/piecestore/internal/layout"
)

// Decoded is a parsed .torrent file: the pieces the storage core needs plus
// the raw MetaInfo for anything else a caller wants (announce URL, comment,
// creation date).
type Decoded struct {
	MI       metainfo.MetaInfo
	Info     metainfo.Info
	InfoHash metainfo.Hash
}

// Decode parses raw bencoded .torrent bytes.
//
// The info-hash is computed over mi.InfoBytes — the original encoded slice
// as received — never a re-encoding of the unmarshalled struct, per spec.md
// §6's explicit "byte-exact re-encoding is not safe" requirement.
func Decode(raw []byte) (*Decoded, error) {
	var mi metainfo.MetaInfo
	if err := bencode.Unmarshal(raw, &mi); err != nil {
		return nil, fmt.Errorf("unmarshal metainfo: %w", err)
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, fmt.Errorf("unmarshal info dict: %w", err)
	}
	return &Decoded{
		MI:       mi,
		Info:     info,
		InfoHash: mi.HashInfoBytes(),
	}, nil
}

// FileInfo converts the decoded Info dictionary into layout.FileInfo, the
// Planner's input shape.
func (d *Decoded) FileInfo() layout.FileInfo {
	if len(d.Info.Files) == 0 {
		return layout.FileInfo{Name: d.Info.Name, Length: d.Info.Length}
	}
	files := make([]layout.FileEntry, len(d.Info.Files))
	for i, f := range d.Info.Files {
		files[i] = layout.FileEntry{PathSegments: append([]string(nil), f.Path...), Length: f.Length}
	}
	return layout.FileInfo{Name: d.Info.Name, Files: files}
}

// PieceSize returns the torrent's nominal piece length.
func (d *Decoded) PieceSize() int64 {
	return d.Info.PieceLength
}

// NumPieces returns the number of 20-byte SHA-1 digests in the pieces
// string, independent of the Planner's own PieceCount derivation — useful
// for cross-checking that Planner agrees with the declared piece hashes
// (spec.md §8 invariant 1).
func (d *Decoded) NumPieces() int {
	return len(d.Info.Pieces) / 20
}
