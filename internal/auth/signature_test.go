package auth

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHMACSecret = "hmac-test-secret"

func signedRequest(t *testing.T, timestamp int64, nonce, body, signature string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/send", nil)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, signature)
	return req
}

func TestVerifyRequest_NotRequired(t *testing.T) {
	signer := NewSigner("", time.Minute, false)
	req := httptest.NewRequest(http.MethodPost, "/send", nil)
	assert.NoError(t, signer.VerifyRequest(req, "body", "send:alice"))
}

func TestVerifyRequest_ValidSignature(t *testing.T) {
	signer := NewSigner(testHMACSecret, time.Minute, true)
	now := time.Now()
	ts := now.UnixMilli()
	body := `{"chatId":"user:alice","text":"hi"}`
	req := signedRequest(t, ts, "nonce-1", body, Sign(testHMACSecret, ts, "nonce-1", body))
	assert.NoError(t, signer.verifyAt(req, body, "send:alice", now))
}

func TestVerifyRequest_MissingHeaders(t *testing.T) {
	signer := NewSigner(testHMACSecret, time.Minute, true)
	req := httptest.NewRequest(http.MethodPost, "/send", nil)
	assert.ErrorIs(t, signer.VerifyRequest(req, "", "send:alice"), ErrMissingSignature)
}

func TestVerifyRequest_InvalidSignature(t *testing.T) {
	signer := NewSigner(testHMACSecret, time.Minute, true)
	now := time.Now()
	ts := now.UnixMilli()
	req := signedRequest(t, ts, "nonce-1", "body", Sign("wrong-secret", ts, "nonce-1", "body"))
	assert.ErrorIs(t, signer.verifyAt(req, "body", "send:alice", now), ErrInvalidSignature)
}

func TestVerifyRequest_ReplayRejected(t *testing.T) {
	signer := NewSigner(testHMACSecret, time.Minute, true)
	now := time.Now()
	ts := now.UnixMilli()
	body := "payload"
	sig := Sign(testHMACSecret, ts, "nonce-1", body)

	req := signedRequest(t, ts, "nonce-1", body, sig)
	require.NoError(t, signer.verifyAt(req, body, "send:alice", now))

	// Identical tuple inside the TTL window is a replay.
	replay := signedRequest(t, ts, "nonce-1", body, sig)
	assert.ErrorIs(t, signer.verifyAt(replay, body, "send:alice", now), ErrNonceReplay)

	// The same nonce under a different scope is independent.
	other := signedRequest(t, ts, "nonce-1", body, sig)
	assert.NoError(t, signer.verifyAt(other, body, "poll:alice", now))
}

func TestVerifyRequest_StaleCheckedBeforeNonce(t *testing.T) {
	signer := NewSigner(testHMACSecret, time.Minute, true)
	now := time.Now()
	ts := now.UnixMilli()
	body := "payload"
	sig := Sign(testHMACSecret, ts, "nonce-1", body)

	req := signedRequest(t, ts, "nonce-1", body, sig)
	require.NoError(t, signer.verifyAt(req, body, "send:alice", now))

	// Replaying the tuple after the TTL has elapsed must report staleness:
	// the timestamp check runs before the nonce check, even after the
	// nonce window has been pruned.
	later := now.Add(2 * time.Minute)
	replay := signedRequest(t, ts, "nonce-1", body, sig)
	assert.ErrorIs(t, signer.verifyAt(replay, body, "send:alice", later), ErrStaleSignature)
}

func TestVerifyRequest_SkewedTimestamp(t *testing.T) {
	signer := NewSigner(testHMACSecret, time.Minute, true)
	now := time.Now()
	ts := now.Add(-2 * time.Minute).UnixMilli()
	req := signedRequest(t, ts, "nonce-1", "body", Sign(testHMACSecret, ts, "nonce-1", "body"))
	assert.ErrorIs(t, signer.verifyAt(req, "body", "send:alice", now), ErrStaleSignature)
}

func TestVerifyRequest_MissingSecret(t *testing.T) {
	signer := NewSigner("", time.Minute, true)
	now := time.Now()
	ts := now.UnixMilli()
	req := signedRequest(t, ts, "nonce-1", "body", "sig")
	assert.ErrorIs(t, signer.verifyAt(req, "body", "send:alice", now), ErrMissingHMACSecret)
}
