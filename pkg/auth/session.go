package auth

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/powerhive/minerctl/pkg/miner"
)

// SessionLifetime is how long a derived session token is honoured by the
// device.
const SessionLifetime = 30 * time.Minute

// Challenge is the salt material returned by the get_token command.
type Challenge struct {
	Salt    string `json:"salt"`
	Time    string `json:"time"`
	NewSalt string `json:"newsalt"`
}

// Session is a derived token and the AES-256 key used to seal privileged
// commands. A Session is immutable once created.
type Session struct {
	token   string
	block   cipher.Block
	expires time.Time
}

// NewSession derives a session from the admin password and a challenge.
// The key is the hash field of md5crypt(password, salt); the cipher key is
// its SHA-256 digest and the token is the hash field of
// md5crypt(key+time, newsalt).
func NewSession(password string, ch Challenge, now time.Time) (*Session, error) {
	key, err := cryptHash(password, ch.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	token, err := cryptHash(key+ch.Time, ch.NewSalt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session token: %w", err)
	}

	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return &Session{
		token:   token,
		block:   block,
		expires: now.Add(SessionLifetime),
	}, nil
}

// Token returns the session token sent inside every sealed command.
func (s *Session) Token() string { return s.token }

// Expires returns the moment the device stops accepting the token.
func (s *Session) Expires() time.Time { return s.expires }

// Expired reports whether the session is past its lifetime at now.
func (s *Session) Expired(now time.Time) bool { return !now.Before(s.expires) }

// Encrypt appends 1 to 16 NUL bytes to plain so it ends on a block boundary,
// encrypts each block independently and returns the base64 text. Input that
// is already aligned gets a whole block of padding, as the firmware expects.
func (s *Session) Encrypt(plain []byte) string {
	size := s.block.BlockSize()
	padded := make([]byte, len(plain)+size-len(plain)%size)
	copy(padded, plain)
	for i := 0; i < len(padded); i += size {
		s.block.Encrypt(padded[i:i+size], padded[i:i+size])
	}
	return base64.StdEncoding.EncodeToString(padded)
}

// Decrypt reverses Encrypt, trimming trailing NUL padding.
func (s *Session) Decrypt(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", miner.ErrInvalidResponse, err)
	}
	size := s.block.BlockSize()
	if len(data)%size != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not block aligned", miner.ErrInvalidResponse)
	}
	for i := 0; i < len(data); i += size {
		s.block.Decrypt(data[i:i+size], data[i:i+size])
	}
	return bytes.TrimRight(data, "\x00"), nil
}

type sealed struct {
	Enc  int    `json:"enc"`
	Data string `json:"data"`
}

// Seal adds the session token to cmd and wraps the encrypted JSON in the
// {"enc":1,"data":...} envelope.
func (s *Session) Seal(cmd map[string]any) ([]byte, error) {
	body := make(map[string]any, len(cmd)+1)
	for k, v := range cmd {
		body[k] = v
	}
	body["token"] = s.token

	plain, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	return json.Marshal(sealed{Enc: 1, Data: s.Encrypt(plain)})
}

// Open extracts and decrypts the "enc" field of a sealed reply.
func (s *Session) Open(reply []byte) ([]byte, error) {
	var env struct {
		Enc *string `json:"enc"`
	}
	if err := json.Unmarshal(reply, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", miner.ErrInvalidResponse, err)
	}
	if env.Enc == nil {
		return nil, fmt.Errorf("%w: reply is not encrypted", miner.ErrInvalidResponse)
	}
	return s.Decrypt(*env.Enc)
}

// ChallengeFunc fetches a fresh challenge from the device.
type ChallengeFunc func(ctx context.Context) (Challenge, error)

// Encrypted manages the session of one device: it derives a session on
// first use, re-derives it once it has expired and retries a command once
// when the device reports the token as stale.
type Encrypted struct {
	mu        sync.Mutex
	password  string
	challenge ChallengeFunc
	now       func() time.Time
	session   *Session
}

// EncryptedOption configures an Encrypted session manager.
type EncryptedOption func(*Encrypted)

// WithClock overrides the clock used for expiry.
func WithClock(now func() time.Time) EncryptedOption {
	return func(e *Encrypted) {
		e.now = now
	}
}

// NewEncrypted creates a session manager.
func NewEncrypted(challenge ChallengeFunc, opts ...EncryptedOption) *Encrypted {
	e := &Encrypted{
		challenge: challenge,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPassword stores the admin password and drops any existing session.
func (e *Encrypted) SetPassword(password string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.password = password
	e.session = nil
}

// Session returns a live session, deriving a new one when none exists or
// the current one has expired.
func (e *Encrypted) Session(ctx context.Context) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil && !e.session.Expired(e.now()) {
		return e.session, nil
	}
	return e.refreshLocked(ctx)
}

func (e *Encrypted) refreshLocked(ctx context.Context) (*Session, error) {
	if e.password == "" {
		return nil, fmt.Errorf("%w: no password for encrypted session", miner.ErrUnauthorized)
	}
	ch, err := e.challenge(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get token challenge: %w", err)
	}
	s, err := NewSession(e.password, ch, e.now())
	if err != nil {
		return nil, err
	}
	e.session = s
	return s, nil
}

// discard drops s if it is still the current session.
func (e *Encrypted) discard(s *Session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == s {
		e.session = nil
	}
}

// Do calls send with a live session. When send reports
// miner.ErrTokenExpired the session is re-derived and send is retried once;
// a second failure is returned to the caller.
func (e *Encrypted) Do(ctx context.Context, send func(*Session) error) error {
	s, err := e.Session(ctx)
	if err != nil {
		return err
	}
	err = send(s)
	if !errors.Is(err, miner.ErrTokenExpired) {
		return err
	}

	e.discard(s)
	s, err = e.Session(ctx)
	if err != nil {
		return err
	}
	return send(s)
}
