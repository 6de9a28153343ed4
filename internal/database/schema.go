package database

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS recordings (
    id               TEXT PRIMARY KEY,
    owner_id         TEXT NOT NULL,
    subject_id       TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL DEFAULT 'draft',
    audio_key        TEXT,
    content_type     TEXT,
    duration_seconds INTEGER,
    transcript       TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_recordings_owner ON recordings (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_recordings_status ON recordings (status);
`

// EnsureSchema creates the recordings table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	_, err := db.Pool.Exec(ctx, schema)
	return err
}
