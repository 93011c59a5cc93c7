package sqlgateway

import (
	"context"
	"errors"
	"strings"

	"chatsync/internal/gateway"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func forbidden(message string) *gateway.Error {
	return gateway.NewError(gateway.Forbidden, "42501", message)
}

func invalid(code, message string) *gateway.Error {
	return gateway.NewError(gateway.Invalid, code, message)
}

// mapError classifies a storage failure. Postgres errors are mapped by
// SQLSTATE; sqlite only reports messages, so its constraint names are matched.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var gerr *gateway.Error
	if errors.As(err, &gerr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return gateway.Wrap(gateway.Transient, "query interrupted", err)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return gateway.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &gateway.Error{Kind: gateway.Conflict, Code: "23505", Message: "duplicate key", Err: err}
	}
	if errors.Is(err, gorm.ErrForeignKeyViolated) {
		return &gateway.Error{Kind: gateway.Invalid, Code: "23503", Message: "foreign key violation", Err: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &gateway.Error{Kind: kindForSQLState(pgErr.Code), Code: pgErr.Code, Message: pgErr.Message, Err: err}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return &gateway.Error{Kind: gateway.Conflict, Code: "23505", Message: "duplicate key", Err: err}
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return &gateway.Error{Kind: gateway.Invalid, Code: "23503", Message: "foreign key violation", Err: err}
	case strings.Contains(msg, "NOT NULL constraint failed"), strings.Contains(msg, "CHECK constraint failed"):
		return &gateway.Error{Kind: gateway.Invalid, Code: "23502", Message: "constraint violation", Err: err}
	}
	return gateway.Wrap(gateway.Transient, "storage failure", err)
}

func kindForSQLState(code string) gateway.Kind {
	switch {
	case code == "23505":
		return gateway.Conflict
	case code == "42501":
		return gateway.Forbidden
	case strings.HasPrefix(code, "23"), strings.HasPrefix(code, "22"), code == "42703", code == "42P01":
		return gateway.Invalid
	default:
		// 40001 serialization, 57014 cancel, 08xxx connection and the rest.
		return gateway.Transient
	}
}
