// Package records reads and updates the versioned records the change events
// describe, straight from the source of truth.
package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/node-events/internal/event"
)

var (
	// ErrRecordNotFound is returned when no published revision exists
	ErrRecordNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when the stored version moved on
	ErrVersionConflict = errors.New("record version conflict")

	// ErrUserNotFound is returned when a user id is unknown
	ErrUserNotFound = errors.New("user not found")
)

type revisionRow struct {
	ID        string    `db:"id"`
	Type      string    `db:"type"`
	Status    string    `db:"status"`
	Version   int64     `db:"version"`
	UserID    string    `db:"user_id"`
	Title     string    `db:"title"`
	Language  string    `db:"language"`
	Content   []byte    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r *revisionRow) toRecord() *event.Record {
	return &event.Record{
		ID:        r.ID,
		Type:      r.Type,
		Status:    event.Status(r.Status),
		Version:   r.Version,
		UserID:    r.UserID,
		Title:     r.Title,
		Language:  r.Language,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Storage handles the record store queries
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// LatestPublished loads the newest published revision of a record
func (s *Storage) LatestPublished(ctx context.Context, id string) (*event.Record, error) {
	query := `
		SELECT id, type, status, version, user_id, title, language, content, created_at, updated_at
		FROM node_revision
		WHERE id = $1 AND status = $2
		ORDER BY version DESC
		LIMIT 1
	`

	var row revisionRow
	if err := s.db.GetContext(ctx, &row, query, id, string(event.StatusPublished)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get published revision: %w", err)
	}

	return row.toRecord(), nil
}

// MarkVerified sets content.metadata.verified on the record if its version is
// still expectedVersion, and bumps the version
func (s *Storage) MarkVerified(ctx context.Context, id string, expectedVersion int64) error {
	query := `
		UPDATE node
		SET content = content || jsonb_build_object(
				'metadata',
				COALESCE(content->'metadata', '{}'::jsonb) || '{"verified": true}'::jsonb
			),
			version = $2 + 1,
			updated_at = NOW()
		WHERE id = $1 AND version = $2
	`

	result, err := s.db.ExecContext(ctx, query, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to mark record verified: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Record version moved before verification",
			slog.String("record_id", id),
			slog.Int64("expected_version", expectedVersion),
		)
		return ErrVersionConflict
	}

	s.logger.Info("Record marked verified",
		slog.String("record_id", id),
		slog.Int64("version", expectedVersion+1),
	)
	return nil
}

// UserEmail returns the email address of a user
func (s *Storage) UserEmail(ctx context.Context, userID string) (string, error) {
	query := `SELECT email FROM "user" WHERE id = $1`

	var email string
	if err := s.db.GetContext(ctx, &email, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrUserNotFound
		}
		return "", fmt.Errorf("failed to get user email: %w", err)
	}
	return email, nil
}
