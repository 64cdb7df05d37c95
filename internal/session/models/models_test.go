package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusPredicates(t *testing.T) {
	quiescent := []Status{StatusIdle, StatusWaitingForInput, StatusReverted}
	for _, s := range quiescent {
		assert.True(t, s.Quiescent(), string(s))
		assert.False(t, s.Terminal(), string(s))
	}

	terminal := []Status{StatusCompleted, StatusFailed}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), string(s))
		assert.False(t, s.Quiescent(), string(s))
	}

	for _, s := range []Status{StatusPending, StatusCloning, StatusRunning} {
		assert.False(t, s.Quiescent(), string(s))
		assert.False(t, s.Terminal(), string(s))
	}
}

func TestRefKey(t *testing.T) {
	ref := SessionRef{UserID: "u1", RepoID: "r1", SessionID: "s1"}
	assert.Equal(t, "u1/r1/s1", ref.Key())
}

func TestProviderSessionID(t *testing.T) {
	ref := SessionRef{UserID: "u1", RepoID: "r1", SessionID: "s1"}

	// Stable across calls.
	assert.Equal(t, ref.ProviderSessionID(), ref.ProviderSessionID())

	// Valid UUID.
	_, err := uuid.Parse(ref.ProviderSessionID())
	require.NoError(t, err)

	// Same session id under a different user or repo maps elsewhere.
	other := SessionRef{UserID: "u2", RepoID: "r1", SessionID: "s1"}
	assert.NotEqual(t, ref.ProviderSessionID(), other.ProviderSessionID())
	otherRepo := SessionRef{UserID: "u1", RepoID: "r2", SessionID: "s1"}
	assert.NotEqual(t, ref.ProviderSessionID(), otherRepo.ProviderSessionID())
}

func TestDecodeEventData(t *testing.T) {
	cases := []SessionEvent{
		NewAgentOutputEvent("hello", "assistant"),
		NewAgentToolUseEvent("bash", json.RawMessage(`{"command":"ls"}`)),
		NewAgentToolResultEvent("bash", "file.txt"),
		NewUserMessageEvent("do the thing"),
		NewStatusEvent(StatusRunning),
		NewWaitingForInputEvent("which branch?"),
		NewCompletedEvent("all done"),
		NewErrorEvent("it broke"),
		NewSnapshotEvent("msg-1", "abc123"),
	}

	for _, ev := range cases {
		raw, err := json.Marshal(ev.Data)
		require.NoError(t, err, ev.Type)

		decoded, err := DecodeEventData(ev.Type, raw)
		require.NoError(t, err, ev.Type)
		assert.Equal(t, ev.Data, decoded, ev.Type)
	}
}

func TestDecodeEventDataUnknownType(t *testing.T) {
	decoded, err := DecodeEventData("custom:thing", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(decoded.(json.RawMessage)))
}

func TestSnapshotMessageID(t *testing.T) {
	assert.Equal(t, "msg-1", NewSnapshotEvent("msg-1", "sha").MessageID())
	assert.Empty(t, NewCompletedEvent("done").MessageID())
}
