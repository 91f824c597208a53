package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/aretw0/termstore/pkg/domain"
	"github.com/aretw0/termstore/pkg/ports"
)

// EnvelopeKey marks the sealed payload inside a stored row.
const EnvelopeKey = "__encrypted__"

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey is the key used for encrypting new data.
	// Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are old keys tried when decryption with ActiveKey fails.
	FallbackKeys [][]byte
}

// sealedSession is the part of a row that never reaches the backend in clear.
// Identity, status, focus and timestamps stay visible so backends can index them.
type sealedSession struct {
	CurrentPath     string                  `json:"currentPath,omitempty"`
	Metadata        map[string]any          `json:"metadata,omitempty"`
	Environment     map[string]string       `json:"environment,omitempty"`
	Output          []domain.OutputLine     `json:"output,omitempty"`
	Commands        []domain.CommandRecord  `json:"commands,omitempty"`
	SuspensionState *domain.SuspensionState `json:"suspensionState,omitempty"`
}

type encryptionMiddleware struct {
	ports.DurableBackend
	config EncryptionConfig
}

// NewEncryptionMiddleware creates a middleware that encrypts session payloads
// and suspension snapshots using AES-GCM (envelope encryption).
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, errors.New("active key must be 32 bytes (AES-256)")
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, fmt.Errorf("fallback key %d must be 32 bytes (AES-256)", i)
		}
	}
	return func(next ports.DurableBackend) ports.DurableBackend {
		return &encryptionMiddleware{DurableBackend: next, config: config}
	}, nil
}

func (m *encryptionMiddleware) Put(ctx context.Context, s *domain.Session) error {
	envelope, err := m.seal(s)
	if err != nil {
		return err
	}
	return m.DurableBackend.Put(ctx, envelope)
}

func (m *encryptionMiddleware) Batch(ctx context.Context, puts []*domain.Session, deletes []string) error {
	envelopes := make([]*domain.Session, len(puts))
	for i, s := range puts {
		envelope, err := m.seal(s)
		if err != nil {
			return err
		}
		envelopes[i] = envelope
	}
	return m.DurableBackend.Batch(ctx, envelopes, deletes)
}

func (m *encryptionMiddleware) Get(ctx context.Context, id string) (*domain.Session, error) {
	envelope, err := m.DurableBackend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.open(envelope)
}

func (m *encryptionMiddleware) ListByProject(ctx context.Context, projectID string) ([]*domain.Session, error) {
	envelopes, err := m.DurableBackend.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return m.openAll(envelopes)
}

func (m *encryptionMiddleware) ListAll(ctx context.Context, limit int) ([]*domain.Session, error) {
	envelopes, err := m.DurableBackend.ListAll(ctx, limit)
	if err != nil {
		return nil, err
	}
	return m.openAll(envelopes)
}

func (m *encryptionMiddleware) AppendSuspension(ctx context.Context, rec domain.SuspensionRecord) error {
	sealed, err := m.sealBlob(rec.State)
	if err != nil {
		return err
	}
	rec.State = domain.SuspensionState{
		SuspendedAt: rec.State.SuspendedAt,
		Environment: map[string]string{EnvelopeKey: sealed},
	}
	return m.DurableBackend.AppendSuspension(ctx, rec)
}

func (m *encryptionMiddleware) LatestSuspension(ctx context.Context, sessionID string) (*domain.SuspensionRecord, error) {
	rec, err := m.DurableBackend.LatestSuspension(ctx, sessionID)
	if err != nil || rec == nil {
		return rec, err
	}
	if err := m.openRecord(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *encryptionMiddleware) SuspensionHistory(ctx context.Context, sessionID string) ([]domain.SuspensionRecord, error) {
	history, err := m.DurableBackend.SuspensionHistory(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for i := range history {
		if err := m.openRecord(&history[i]); err != nil {
			return nil, err
		}
	}
	return history, nil
}

func (m *encryptionMiddleware) seal(s *domain.Session) (*domain.Session, error) {
	sealed, err := m.sealBlob(sealedSession{
		CurrentPath:     s.CurrentPath,
		Metadata:        s.Metadata,
		Environment:     s.Environment,
		Output:          s.Output,
		Commands:        s.Commands,
		SuspensionState: s.SuspensionState,
	})
	if err != nil {
		return nil, err
	}
	envelope := *s
	envelope.CurrentPath = ""
	envelope.Environment = nil
	envelope.Output = nil
	envelope.Commands = nil
	envelope.SuspensionState = nil
	envelope.Metadata = map[string]any{EnvelopeKey: sealed}
	return &envelope, nil
}

func (m *encryptionMiddleware) open(envelope *domain.Session) (*domain.Session, error) {
	// Rows written before encryption was enabled are rejected, not served in clear.
	encoded, ok := envelope.Metadata[EnvelopeKey].(string)
	if !ok {
		return nil, m.corrupt("load", envelope.ID, errors.New("session is missing encrypted data envelope"))
	}
	var payload sealedSession
	if err := m.openBlob(encoded, &payload); err != nil {
		return nil, m.corrupt("load", envelope.ID, err)
	}
	s := *envelope
	s.CurrentPath = payload.CurrentPath
	s.Metadata = payload.Metadata
	s.Environment = payload.Environment
	s.Output = payload.Output
	s.Commands = payload.Commands
	s.SuspensionState = payload.SuspensionState
	return &s, nil
}

func (m *encryptionMiddleware) openAll(envelopes []*domain.Session) ([]*domain.Session, error) {
	out := make([]*domain.Session, len(envelopes))
	for i, envelope := range envelopes {
		s, err := m.open(envelope)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func (m *encryptionMiddleware) openRecord(rec *domain.SuspensionRecord) error {
	encoded, ok := rec.State.Environment[EnvelopeKey]
	if !ok {
		return m.corrupt("resume", rec.SessionID, errors.New("suspension record is missing encrypted data envelope"))
	}
	var state domain.SuspensionState
	if err := m.openBlob(encoded, &state); err != nil {
		return m.corrupt("resume", rec.SessionID, err)
	}
	rec.State = state
	return nil
}

func (m *encryptionMiddleware) sealBlob(v any) (string, error) {
	plainText, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (m *encryptionMiddleware) openBlob(encoded string, v any) error {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return fmt.Errorf("failed to decrypt payload: %w", err)
	}
	if err := json.Unmarshal(plainText, v); err != nil {
		return fmt.Errorf("failed to unmarshal decrypted payload: %w", err)
	}
	return nil
}

func (m *encryptionMiddleware) corrupt(op, id string, err error) error {
	return &domain.StorageError{Kind: domain.ErrUnreadable, Op: op, SessionID: id, Detail: "backend " + m.Name(), Err: err}
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
