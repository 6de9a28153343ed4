package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Recording status values. Status mirrors capture progress, not
// upload/transcription progress.
const (
	StatusDraft     = "draft"
	StatusRecording = "recording"
	StatusCompleted = "completed"
)

// ErrNotFound is returned when a recording does not exist.
var ErrNotFound = errors.New("recording not found")

// Recording is the persisted entity for one capture session.
// Invariant: status == completed implies audio_key is set; transcript is
// only ever set on completed recordings.
type Recording struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	SubjectID       string    `json:"subject_id,omitempty"`
	Status          string    `json:"status"`
	AudioKey        *string   `json:"audio_key,omitempty"`
	ContentType     *string   `json:"content_type,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	Transcript      *string   `json:"transcript,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

const recordingCols = `id, owner_id, subject_id, status, audio_key, content_type, duration_seconds, transcript, created_at, updated_at`

func scanRecording(row pgx.Row) (*Recording, error) {
	var r Recording
	err := row.Scan(&r.ID, &r.OwnerID, &r.SubjectID, &r.Status, &r.AudioKey,
		&r.ContentType, &r.DurationSeconds, &r.Transcript, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recording: %w", err)
	}
	return &r, nil
}

// CreateRecording inserts a new recording in the given status.
func (db *DB) CreateRecording(ctx context.Context, r *Recording) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO recordings (id, owner_id, subject_id, status)
		VALUES ($1, $2, $3, $4)`,
		r.ID, r.OwnerID, r.SubjectID, r.Status)
	if err != nil {
		return fmt.Errorf("insert recording: %w", err)
	}
	return nil
}

// GetRecording fetches one recording by id.
func (db *DB) GetRecording(ctx context.Context, id string) (*Recording, error) {
	row := db.Pool.QueryRow(ctx,
		`SELECT `+recordingCols+` FROM recordings WHERE id = $1`, id)
	return scanRecording(row)
}

// ListRecordings returns the owner's recordings, newest first.
func (db *DB) ListRecordings(ctx context.Context, ownerID string, limit, offset int) ([]Recording, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT `+recordingCols+` FROM recordings
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`,
		ownerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetStatus updates the capture status.
func (db *DB) SetStatus(ctx context.Context, id, status string) error {
	return db.exec(ctx, id,
		`UPDATE recordings SET status = $2, updated_at = now() WHERE id = $1`, status)
}

// SetDuration records the final capture duration, set exactly once at stop
// time.
func (db *DB) SetDuration(ctx context.Context, id string, seconds int) error {
	return db.exec(ctx, id,
		`UPDATE recordings SET duration_seconds = $2, updated_at = now() WHERE id = $1`, seconds)
}

// MarkCompleted flips the recording to completed with its uploaded
// artifact reference. Called only after a successful upload, preserving
// the completed-implies-audio invariant.
func (db *DB) MarkCompleted(ctx context.Context, id, audioKey, contentType string) error {
	return db.exec(ctx, id, `
		UPDATE recordings
		SET status = $2, audio_key = $3, content_type = $4, updated_at = now()
		WHERE id = $1`,
		StatusCompleted, audioKey, contentType)
}

// SetTranscript overwrites the transcript with the latest successful
// transcription result.
func (db *DB) SetTranscript(ctx context.Context, id, transcript string) error {
	return db.exec(ctx, id,
		`UPDATE recordings SET transcript = $2, updated_at = now() WHERE id = $1`, transcript)
}

// DeleteRecording removes the record.
func (db *DB) DeleteRecording(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM recordings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) exec(ctx context.Context, id, sql string, args ...any) error {
	allArgs := append([]any{id}, args...)
	tag, err := db.Pool.Exec(ctx, sql, allArgs...)
	if err != nil {
		return fmt.Errorf("update recording: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
