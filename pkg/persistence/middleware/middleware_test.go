package middleware_test

import (
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aretw0/termstore/pkg/adapters/redis"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/persistence/middleware"
	"github.com/aretw0/termstore/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) []byte {
	k := make([]byte, 32)
	_, err := io.ReadFull(rand.Reader, k)
	require.NoError(t, err)
	return k
}

func newRedis(t *testing.T) ports.DurableBackend {
	mr := miniredis.RunT(t)
	return redis.NewFromClient(backend.NewClient(&backend.Options{Addr: mr.Addr()}))
}

func encrypted(t *testing.T, inner ports.DurableBackend, cfg middleware.EncryptionConfig) ports.DurableBackend {
	t.Helper()
	mw, err := middleware.NewEncryptionMiddleware(cfg)
	require.NoError(t, err)
	return mw(inner)
}

func sampleSession() *domain.Session {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &domain.Session{
		ID:          "s1",
		ProjectID:   "p",
		ProjectPath: "/work/p",
		Mode:        domain.ModeNormal,
		TabName:     "Terminal 1",
		Status:      domain.StatusInactive,
		CreatedAt:   at,
		UpdatedAt:   at,
		CurrentPath: "/work/p/src",
		Metadata:    map[string]any{"shell": "zsh", "auth": map[string]any{"api_token": "t0k", "user": "me"}},
		Environment: map[string]string{"TERM": "xterm", "GITHUB_TOKEN": "ghp_secret"},
		Output:      domain.Lines(at, "$ export GITHUB_TOKEN=ghp_secret"),
	}
}

func TestEncryptionMiddleware_Contract(t *testing.T) {
	key := generateKey(t)
	ports.RunDurableBackendContract(t, func(t *testing.T) ports.DurableBackend {
		return encrypted(t, newRedis(t), middleware.EncryptionConfig{ActiveKey: key})
	})
}

func TestEncryptionMiddleware_Roundtrip(t *testing.T) {
	ctx := context.Background()
	inner := newRedis(t)
	secure := encrypted(t, inner, middleware.EncryptionConfig{ActiveKey: generateKey(t)})

	s := sampleSession()
	s.IsFocused = true
	require.NoError(t, secure.Put(ctx, s))
	assert.Equal(t, "/work/p/src", s.CurrentPath, "caller's session is untouched")

	stored, err := inner.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, stored.Environment)
	assert.Empty(t, stored.Output)
	assert.Empty(t, stored.CurrentPath)
	assert.Contains(t, stored.Metadata, middleware.EnvelopeKey)
	assert.NotContains(t, stored.Metadata, "shell")
	assert.Equal(t, "p", stored.ProjectID, "index fields stay in clear")

	focused, err := secure.FocusedIDs(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, focused)

	got, err := secure.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "ghp_secret", got.Environment["GITHUB_TOKEN"])
	assert.Equal(t, "/work/p/src", got.CurrentPath)
	assert.Equal(t, []string{"$ export GITHUB_TOKEN=ghp_secret"}, got.OutputText())

	list, err := secure.ListByProject(ctx, "p")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "zsh", list[0].Metadata["shell"])
}

func TestEncryptionMiddleware_SealsSuspensions(t *testing.T) {
	ctx := context.Background()
	inner := newRedis(t)
	secure := encrypted(t, inner, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, secure.Put(ctx, sampleSession()))

	at := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, secure.AppendSuspension(ctx, domain.SuspensionRecord{ID: "r1", SessionID: "s1", State: domain.SuspensionState{
		Output: []string{"secret output"}, WorkingDir: "/work/p", Environment: map[string]string{"A": "1"}, SuspendedAt: at,
	}}))

	raw, err := inner.LatestSuspension(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, raw)
	assert.Empty(t, raw.State.Output)
	assert.Empty(t, raw.State.WorkingDir)
	assert.Contains(t, raw.State.Environment, middleware.EnvelopeKey)

	rec, err := secure.LatestSuspension(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"secret output"}, rec.State.Output)
	assert.Equal(t, "1", rec.State.Environment["A"])
	assert.True(t, rec.State.SuspendedAt.Equal(at))
}

func TestEncryptionMiddleware_KeyRotation(t *testing.T) {
	ctx := context.Background()
	inner := newRedis(t)
	oldKey, newKey := generateKey(t), generateKey(t)

	secureOld := encrypted(t, inner, middleware.EncryptionConfig{ActiveKey: oldKey})
	require.NoError(t, secureOld.Put(ctx, sampleSession()))

	secureNew := encrypted(t, inner, middleware.EncryptionConfig{ActiveKey: newKey, FallbackKeys: [][]byte{oldKey}})
	got, err := secureNew.Get(ctx, "s1")
	require.NoError(t, err, "fallback key opens old rows")
	assert.Equal(t, "xterm", got.Environment["TERM"])

	require.NoError(t, secureNew.Put(ctx, got))
	_, err = secureOld.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrUnreadable)
	assert.False(t, domain.IsRetryable(err))
}

func TestEncryptionMiddleware_RejectsPlainRows(t *testing.T) {
	ctx := context.Background()
	inner := newRedis(t)
	require.NoError(t, inner.Put(ctx, sampleSession()))

	secure := encrypted(t, inner, middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	_, err := secure.Get(ctx, "s1")
	assert.ErrorIs(t, err, domain.ErrUnreadable)
	_, err = secure.ListAll(ctx, 0)
	assert.ErrorIs(t, err, domain.ErrUnreadable)
}

func TestEncryptionMiddleware_InvalidKey(t *testing.T) {
	_, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: []byte("short-key")})
	assert.Error(t, err)
	_, err = middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{
		ActiveKey:    generateKey(t),
		FallbackKeys: [][]byte{[]byte("short")},
	})
	assert.Error(t, err)
}

func TestRedactMiddleware_Masking(t *testing.T) {
	ctx := context.Background()
	inner := newRedis(t)
	mw, err := middleware.NewRedactMiddleware([]string{`(?i)token`, `(?i)password`})
	require.NoError(t, err)
	secure := mw(inner)

	s := sampleSession()
	s.Status = domain.StatusSuspended
	s.SuspensionState = &domain.SuspensionState{Environment: map[string]string{"DB_PASSWORD": "hunter2", "HOME": "/home/me"}}
	require.NoError(t, secure.Put(ctx, s))

	assert.Equal(t, "ghp_secret", s.Environment["GITHUB_TOKEN"], "middleware must not modify the caller's session")
	assert.Equal(t, "t0k", s.Metadata["auth"].(map[string]any)["api_token"])

	stored, err := secure.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, stored.Environment["GITHUB_TOKEN"])
	assert.Equal(t, "xterm", stored.Environment["TERM"])
	assert.Equal(t, middleware.Mask, stored.SuspensionState.Environment["DB_PASSWORD"])
	assert.Equal(t, "/home/me", stored.SuspensionState.Environment["HOME"])
	auth := stored.Metadata["auth"].(map[string]any)
	assert.Equal(t, middleware.Mask, auth["api_token"])
	assert.Equal(t, "me", auth["user"])

	require.NoError(t, secure.AppendSuspension(ctx, domain.SuspensionRecord{ID: "r1", SessionID: "s1", State: domain.SuspensionState{
		Environment: map[string]string{"NPM_TOKEN": "npm_x"},
	}}))
	rec, err := secure.LatestSuspension(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, rec.State.Environment["NPM_TOKEN"])
}

func TestRedactMiddleware_InvalidPattern(t *testing.T) {
	_, err := middleware.NewRedactMiddleware([]string{"("})
	assert.Error(t, err)
}

func TestChain_RedactsBeforeEncrypting(t *testing.T) {
	ctx := context.Background()
	inner := newRedis(t)
	redact, err := middleware.NewRedactMiddleware([]string{`TOKEN`})
	require.NoError(t, err)
	encrypt, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, err)

	secure := middleware.Chain(inner, redact, encrypt)
	require.NoError(t, secure.Put(ctx, sampleSession()))

	got, err := secure.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, got.Environment["GITHUB_TOKEN"])

	raw, err := inner.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Contains(t, raw.Metadata, middleware.EnvelopeKey)
}
