package writer

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresMergeJournal is a MergeJournal backed by PostgreSQL, keyed by
// info-hash and final-file path. It plays the same role the teacher's
// PostgresPieceCompletion plays for anacrolix's own piece-hash bookkeeping,
// at a coarser granularity: one row per final file, not per piece, recording
// whether all of that file's dependencies have already been merged into it.
type PostgresMergeJournal struct {
	db       *sql.DB
	infoHash string
}

// NewPostgresMergeJournal creates a MergeJournal scoped to one torrent's
// info-hash (hex-encoded, matching the teacher's convention).
func NewPostgresMergeJournal(db *sql.DB, infoHashHex string) *PostgresMergeJournal {
	return &PostgresMergeJournal{db: db, infoHash: infoHashHex}
}

// EnsureSchema creates the journal table if it does not already exist.
// Called once at startup; not part of the MergeJournal interface since
// ordinary operation never needs it after the first run.
func (j *PostgresMergeJournal) EnsureSchema() error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS piece_merge_journal (
			info_hash  TEXT NOT NULL,
			final_path TEXT NOT NULL,
			merged_at  TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (info_hash, final_path)
		)
	`
	if _, err := j.db.Exec(ddl); err != nil {
		return fmt.Errorf("create piece_merge_journal: %w", err)
	}
	return nil
}

// IsMerged reports whether finalPath has already been recorded as merged.
func (j *PostgresMergeJournal) IsMerged(finalPath string) (bool, error) {
	var merged bool
	query := `SELECT true FROM piece_merge_journal WHERE info_hash = $1 AND final_path = $2`
	err := j.db.QueryRow(query, j.infoHash, finalPath).Scan(&merged)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query merge journal: %w", err)
	}
	return merged, nil
}

// MarkMerged records finalPath as merged. Idempotent: replaying a mark for
// an already-recorded file is a no-op, not an error.
func (j *PostgresMergeJournal) MarkMerged(finalPath string) error {
	query := `
		INSERT INTO piece_merge_journal (info_hash, final_path)
		VALUES ($1, $2)
		ON CONFLICT (info_hash, final_path) DO NOTHING
	`
	if _, err := j.db.Exec(query, j.infoHash, finalPath); err != nil {
		return fmt.Errorf("mark merge journal: %w", err)
	}
	return nil
}

// Close is a no-op: the *sql.DB connection pool is managed by the caller,
// matching the teacher's PostgresPieceCompletion.Close contract.
func (j *PostgresMergeJournal) Close() error {
	return nil
}
