package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("insert message: %w", NewError(Conflict, "23505", "duplicate key"))
	assert.Equal(t, Conflict, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, Conflict))

	assert.Equal(t, Transient, KindOf(errors.New("connection reset")))
	assert.False(t, IsKind(nil, Transient))
}

func TestError_Unwrap(t *testing.T) {
	err := Wrap(Transient, "select messages", context.DeadlineExceeded)
	assert.True(t, IsCanceled(err))
	assert.Contains(t, err.Error(), "transient")
}

func TestKindForStatus(t *testing.T) {
	cases := map[int]Kind{
		http.StatusConflict:            Conflict,
		http.StatusUnauthorized:        Forbidden,
		http.StatusForbidden:           Forbidden,
		http.StatusNotFound:            NotFound,
		http.StatusBadRequest:          Invalid,
		http.StatusInternalServerError: Transient,
		http.StatusBadGateway:          Transient,
	}
	for status, kind := range cases {
		assert.Equal(t, kind, KindForStatus(status), status)
	}

	for _, kind := range []Kind{Conflict, Forbidden, NotFound, Invalid, Transient} {
		assert.Equal(t, kind, KindForStatus(StatusForKind(kind)))
	}
}
