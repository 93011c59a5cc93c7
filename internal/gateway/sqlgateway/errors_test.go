package sqlgateway

import (
	"context"
	"errors"
	"testing"

	"chatsync/internal/chatstore"
	"chatsync/internal/gateway"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func TestPostgresErrorsAreClassified(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		expected gateway.Kind
	}{
		{"Unique Violation", "23505", gateway.Conflict},
		{"Insufficient Privilege", "42501", gateway.Forbidden},
		{"Check Violation", "23514", gateway.Invalid},
		{"Bad Timestamp", "22007", gateway.Invalid},
		{"Serialization Failure", "40001", gateway.Transient},
		{"Query Canceled", "57014", gateway.Transient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := setupMockDB(t)
			gw := New(db, nil, nil)

			mock.ExpectQuery(`SELECT \* FROM "profiles"`).
				WillReturnError(&pgconn.PgError{Code: tt.code, Message: tt.name})

			_, err := gw.As("u1").Select(context.Background(), gateway.Query{Table: chatstore.TableProfiles})
			require.Error(t, err)
			assert.Equal(t, tt.expected, gateway.KindOf(err))

			var gerr *gateway.Error
			require.True(t, errors.As(err, &gerr))
			assert.Equal(t, tt.code, gerr.Code)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestMapError(t *testing.T) {
	assert.Nil(t, mapError(nil))
	assert.Equal(t, gateway.ErrNotFound, mapError(gorm.ErrRecordNotFound))
	assert.Equal(t, gateway.Conflict, gateway.KindOf(mapError(gorm.ErrDuplicatedKey)))
	assert.Equal(t, gateway.Conflict, gateway.KindOf(mapError(errors.New("UNIQUE constraint failed: messages.id"))))
	assert.Equal(t, gateway.Invalid, gateway.KindOf(mapError(errors.New("NOT NULL constraint failed: messages.body"))))
	assert.Equal(t, gateway.Transient, gateway.KindOf(mapError(context.DeadlineExceeded)))
	assert.Equal(t, gateway.Transient, gateway.KindOf(mapError(errors.New("connection reset"))))

	already := forbidden("nope")
	assert.Same(t, already, mapError(already))
}
