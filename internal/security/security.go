package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	// ErrDecryption covers every way a ciphertext can be bad: wrong format,
	// wrong key version, corrupt data. Callers never see partial plaintext.
	ErrDecryption = errors.New("decryption failed")
)

// AlertFunc is invoked when a source crosses the failed-attempt threshold.
type AlertFunc func(source string, count int)

// AttemptOutcome is the result of recording one failed attempt.
type AttemptOutcome struct {
	Count          int
	AlertTriggered bool
}

type attemptRecord struct {
	count       int
	windowStart time.Time
	alerted     bool
}

// Manager owns secret encryption, webhook signature verification and
// failed-attempt tracking. All methods are safe for concurrent use.
type Manager struct {
	aead       cipher.AEAD
	keyVersion int

	threshold int
	window    time.Duration
	alertFn   AlertFunc

	mu       sync.Mutex
	attempts map[string]*attemptRecord

	log *slog.Logger
	now func() time.Time
}

// NewManager builds a Manager from a 32-byte master key. threshold <= 0
// falls back to 3, window <= 0 to 15 minutes.
func NewManager(masterKey []byte, keyVersion, threshold int, window time.Duration, logger *slog.Logger, alertFn AlertFunc) (*Manager, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		aead:       aead,
		keyVersion: keyVersion,
		threshold:  threshold,
		window:     window,
		alertFn:    alertFn,
		attempts:   make(map[string]*attemptRecord),
		log:        logger,
		now:        time.Now,
	}, nil
}

// EncryptSecret seals plaintext with AES-GCM and prefixes the key-version
// tag so future key rotations can route to the right key.
func (m *Manager) EncryptSecret(plaintext string) (string, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("v%d:%s", m.keyVersion, base64.StdEncoding.EncodeToString(sealed)), nil
}

// DecryptSecret reverses EncryptSecret. Any malformed or corrupt input
// returns ErrDecryption.
func (m *Manager) DecryptSecret(ciphertext string) (string, error) {
	version, rest, ok := strings.Cut(ciphertext, ":")
	if !ok || !strings.HasPrefix(version, "v") {
		return "", ErrDecryption
	}
	v, err := strconv.Atoi(version[1:])
	if err != nil || v != m.keyVersion {
		return "", ErrDecryption
	}
	sealed, err := base64.StdEncoding.DecodeString(rest)
	if err != nil || len(sealed) < m.aead.NonceSize() {
		return "", ErrDecryption
	}
	nonce, ct := sealed[:m.aead.NonceSize()], sealed[m.aead.NonceSize():]
	plaintext, err := m.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// Sign computes the hex HMAC-SHA256 of payload under secret. The webhook
// sender uses the same construction.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature recomputes the payload digest and compares it to
// the supplied signature in constant time. Fails closed: missing secret,
// missing signature or a malformed header all return false.
func (m *Manager) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	sig := strings.TrimSpace(signature)
	sec := strings.TrimSpace(secret)
	if sig == "" || sec == "" {
		return false
	}
	decoded, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(sec))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), decoded)
}

// RecordFailedAttempt increments the sliding-window counter for source.
// The alert fires exactly once per window, on the attempt that reaches the
// threshold; later failures in the same window keep counting silently.
func (m *Manager) RecordFailedAttempt(source string) AttemptOutcome {
	now := m.now()

	m.mu.Lock()
	// Drop every expired window, not just this source's: a sender rotating
	// source addresses must not grow the table for the process lifetime.
	for src, r := range m.attempts {
		if now.Sub(r.windowStart) > m.window {
			delete(m.attempts, src)
		}
	}
	rec, ok := m.attempts[source]
	if !ok {
		rec = &attemptRecord{windowStart: now}
		m.attempts[source] = rec
	}
	rec.count++
	triggered := rec.count >= m.threshold && !rec.alerted
	if triggered {
		rec.alerted = true
	}
	count := rec.count
	m.mu.Unlock()

	if triggered {
		m.log.Warn("failed attempt threshold reached", "source", source, "count", count)
		if m.alertFn != nil {
			m.alertFn(source, count)
		}
	}
	return AttemptOutcome{Count: count, AlertTriggered: triggered}
}
