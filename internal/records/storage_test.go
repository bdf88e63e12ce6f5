package records

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/node-events/internal/event"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewStorage(sqlx.NewDb(db, "postgres"), logger), mock
}

var revisionColumns = []string{
	"id", "type", "status", "version", "user_id", "title", "language", "content", "created_at", "updated_at",
}

func TestLatestPublished(t *testing.T) {
	ts := time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)
	query := regexp.QuoteMeta("FROM node_revision")

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		wantErr   error
		wantRaw   bool
	}{
		{
			name: "found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).
					WithArgs("abc", "published").
					WillReturnRows(sqlmock.NewRows(revisionColumns).AddRow(
						"abc", "accessibility-declaration", "published", int64(4), "u1", "T", "it",
						[]byte(`{"values":{"website-url":"https://example.org"}}`), ts, ts,
					))
			},
		},
		{
			name: "not found",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WithArgs("abc", "published").WillReturnRows(sqlmock.NewRows(revisionColumns))
			},
			wantErr: ErrRecordNotFound,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(query).WithArgs("abc", "published").WillReturnError(errors.New("connection reset"))
			},
			wantRaw: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			tt.setupMock(mock)

			rec, err := s.LatestPublished(context.Background(), "abc")
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantRaw:
				assert.Error(t, err)
				assert.NotErrorIs(t, err, ErrRecordNotFound)
			default:
				require.NoError(t, err)
				assert.Equal(t, int64(4), rec.Version)
				assert.Equal(t, event.StatusPublished, rec.Status)
				assert.Equal(t, "https://example.org", rec.StringValue("website-url"))
				assert.False(t, rec.Verified())
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkVerified(t *testing.T) {
	query := regexp.QuoteMeta("UPDATE node")

	tests := []struct {
		name    string
		result  func(mock sqlmock.Sqlmock)
		wantErr error
	}{
		{
			name: "updated",
			result: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(query).WithArgs("abc", int64(3)).WillReturnResult(sqlmock.NewResult(0, 1))
			},
		},
		{
			name: "version moved",
			result: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec(query).WithArgs("abc", int64(3)).WillReturnResult(sqlmock.NewResult(0, 0))
			},
			wantErr: ErrVersionConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStorage(t)
			tt.result(mock)

			err := s.MarkVerified(context.Background(), "abc", 3)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMarkVerified_ExecError(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE node")).WillReturnError(errors.New("boom"))

	err := s.MarkVerified(context.Background(), "abc", 3)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrVersionConflict)
}

func TestUserEmail(t *testing.T) {
	query := regexp.QuoteMeta(`SELECT email FROM "user" WHERE id = $1`)

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(query).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"email"}).AddRow("owner@example.org"))

		email, err := s.UserEmail(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "owner@example.org", email)
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStorage(t)
		mock.ExpectQuery(query).WithArgs("u1").WillReturnRows(sqlmock.NewRows([]string{"email"}))

		_, err := s.UserEmail(context.Background(), "u1")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}
