package oauthsession

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeginThenConsumeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	state, challenge, verifier, err := s.Begin(ctx, "acct-1", "anthropic")
	require.NoError(t, err)
	assert.NotEmpty(t, challenge)
	assert.NotEmpty(t, verifier)

	sess, err := s.Consume(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", sess.AccountName)
	assert.Equal(t, verifier, sess.CodeVerifier)
}

func TestConsumeTwiceFailsSecondTime(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	state, _, _, err := s.Begin(ctx, "acct-1", "anthropic")
	require.NoError(t, err)

	_, err = s.Consume(ctx, state)
	require.NoError(t, err)

	_, err = s.Consume(ctx, state)
	assert.Error(t, err, "state should not be consumable twice")
}

func TestConsumeRejectsMalformedState(t *testing.T) {
	s := New(nil)
	_, err := s.Consume(context.Background(), "not-valid-base64!!")
	assert.Error(t, err)
}

func TestConsumeRejectsCSRFMismatch(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	state, _, _, err := s.Begin(ctx, "acct-1", "anthropic")
	require.NoError(t, err)

	decoded, err := base64.URLEncoding.DecodeString(state)
	require.NoError(t, err)
	var parsed csrfState
	require.NoError(t, json.Unmarshal(decoded, &parsed))
	parsed.CSRFToken = "tampered"
	tampered, err := json.Marshal(parsed)
	require.NoError(t, err)
	tamperedState := base64.URLEncoding.EncodeToString(tampered)

	_, err = s.Consume(ctx, tamperedState)
	assert.Error(t, err)
}

func TestConsumeRejectsExpiredTimestamp(t *testing.T) {
	s := New(nil)

	stale, err := json.Marshal(csrfState{
		CSRFToken:   "whatever",
		TimestampMs: time.Now().Add(-10 * time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	state := base64.URLEncoding.EncodeToString(stale)

	_, err = s.Consume(context.Background(), state)
	assert.Error(t, err, "state older than the validity window must be rejected")
}

func TestConsumeRejectsFutureTimestamp(t *testing.T) {
	s := New(nil)

	future, err := json.Marshal(csrfState{
		CSRFToken:   "whatever",
		TimestampMs: time.Now().Add(10 * time.Minute).UnixMilli(),
	})
	require.NoError(t, err)
	state := base64.URLEncoding.EncodeToString(future)

	_, err = s.Consume(context.Background(), state)
	assert.Error(t, err, "a timestamp in the future is never valid")
}

func TestConsumeUnknownStateFails(t *testing.T) {
	s := New(nil)

	payload, err := json.Marshal(csrfState{CSRFToken: "x", TimestampMs: time.Now().UnixMilli()})
	require.NoError(t, err)
	state := base64.URLEncoding.EncodeToString(payload)

	_, err = s.Consume(context.Background(), state)
	assert.Error(t, err)
}
