package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(E(KindNotFound, "missing")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))

	wrapped := fmt.Errorf("outer: %w", E(KindValidation, "bad input"))
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestIsKind(t *testing.T) {
	err := Wrap(KindGitClone, "clone failed", errors.New("exit status 128"))
	assert.True(t, IsKind(err, KindGitClone))
	assert.False(t, IsKind(err, KindGitPush))
	assert.False(t, IsKind(nil, KindGitClone))
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindSession, "agent run failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "agent run failed")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorsIsByKind(t *testing.T) {
	err := Errorf(KindNotFound, "session %q not found", "abc")
	assert.True(t, errors.Is(err, E(KindNotFound, "")))
	assert.False(t, errors.Is(err, E(KindForbidden, "")))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindAgentNotFound, http.StatusNotFound},
		{KindAlreadyExists, http.StatusConflict},
		{KindSession, http.StatusConflict},
		{KindForbidden, http.StatusForbidden},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindValidation, http.StatusBadRequest},
		{KindGitClone, http.StatusBadGateway},
		{KindGitPush, http.StatusBadGateway},
		{KindNotification, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(E(tc.kind, "x")), string(tc.kind))
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("untyped")))
}
