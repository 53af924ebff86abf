package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// ErrNotFound is returned when no row matches a recording key.
var ErrNotFound = errors.New("recording not found")

const recordingsTable = "recordings"

var recordingColumns = []string{
	"platform", "channel", "title", "timestamp", "url", "filename", "chat_filename", "in_progress",
}

// RecordingKey identifies a recording row.
type RecordingKey struct {
	Platform  string `json:"platform"`
	Channel   string `json:"channel"`
	Timestamp int64  `json:"timestamp"`
}

func (k RecordingKey) where() sq.Eq {
	return sq.Eq{"platform": k.Platform, "channel": k.Channel, "timestamp": k.Timestamp}
}

func (k RecordingKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Platform, k.Channel, k.Timestamp)
}

// Recording is one capture attempt. File paths are relative to the save root.
type Recording struct {
	Platform   string `json:"platform"`
	Channel    string `json:"channel"`
	Title      string `json:"title"`
	Timestamp  int64  `json:"timestamp"`
	URL        string `json:"original_url"`
	File       string `json:"path"`
	ChatFile   string `json:"chat_path,omitempty"`
	InProgress bool   `json:"in_progress"`
}

// Key returns the recording's identity.
func (r Recording) Key() RecordingKey {
	return RecordingKey{Platform: r.Platform, Channel: r.Channel, Timestamp: r.Timestamp}
}

// RecordingStore persists recordings. Mutations are expected from a single goroutine.
type RecordingStore struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewRecordingStore wraps db using the placeholder style of dialect.
func NewRecordingStore(db *sql.DB, dialect Dialect) *RecordingStore {
	return &RecordingStore{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder()).RunWith(db),
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert adds a new recording row.
func (s *RecordingStore) Insert(ctx context.Context, r Recording) error {
	_, err := s.sb.Insert(recordingsTable).
		Columns(recordingColumns...).
		Values(r.Platform, r.Channel, r.Title, r.Timestamp, r.URL, r.File, nullable(r.ChatFile), r.InProgress).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", r.Key(), err)
	}
	return nil
}

// Update rewrites the row identified by orig with r, which may carry a new key.
func (s *RecordingStore) Update(ctx context.Context, orig RecordingKey, r Recording) error {
	res, err := s.sb.Update(recordingsTable).
		SetMap(map[string]any{
			"platform":      r.Platform,
			"channel":       r.Channel,
			"title":         r.Title,
			"timestamp":     r.Timestamp,
			"url":           r.URL,
			"filename":      r.File,
			"chat_filename": nullable(r.ChatFile),
			"in_progress":   r.InProgress,
		}).
		Where(orig.where()).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("update recording %s: %w", orig, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update recording %s: %w", orig, err)
	}
	if n == 0 {
		return fmt.Errorf("update recording %s: %w", orig, ErrNotFound)
	}
	return nil
}

// Delete removes the row for key. Deleting a missing row is not an error.
func (s *RecordingStore) Delete(ctx context.Context, key RecordingKey) error {
	if _, err := s.sb.Delete(recordingsTable).Where(key.where()).ExecContext(ctx); err != nil {
		return fmt.Errorf("delete recording %s: %w", key, err)
	}
	return nil
}

// Get returns the row for key.
func (s *RecordingStore) Get(ctx context.Context, key RecordingKey) (Recording, error) {
	row := s.sb.Select(recordingColumns...).From(recordingsTable).Where(key.where()).QueryRowContext(ctx)
	r, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Recording{}, fmt.Errorf("get recording %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Recording{}, fmt.Errorf("get recording %s: %w", key, err)
	}
	return r, nil
}

// List returns every row, oldest first.
func (s *RecordingStore) List(ctx context.Context) ([]Recording, error) {
	rows, err := s.sb.Select(recordingColumns...).
		From(recordingsTable).
		OrderBy("timestamp ASC", "platform ASC", "channel ASC").
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(sc scanner) (Recording, error) {
	var (
		r    Recording
		chat sql.NullString
	)
	if err := sc.Scan(&r.Platform, &r.Channel, &r.Title, &r.Timestamp, &r.URL, &r.File, &chat, &r.InProgress); err != nil {
		return Recording{}, err
	}
	r.ChatFile = chat.String
	return r, nil
}
