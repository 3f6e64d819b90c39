package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/ethereum/go-ethereum/common"

	"github.com/1vbutkus/fish-sub000/internal/stream"
)

var (
	ErrMissingAPIKey  = errors.New("api key is required")
	ErrMissingSecret  = errors.New("api secret or secret ciphertext is required")
	ErrInvalidAddress = errors.New("invalid house address")
	ErrDestroyed      = errors.New("credentials destroyed")
)

// L2 authentication headers.
const (
	HeaderAddress    = "POLY_ADDRESS"
	HeaderSignature  = "POLY_SIGNATURE"
	HeaderTimestamp  = "POLY_TIMESTAMP"
	HeaderAPIKey     = "POLY_API_KEY"
	HeaderPassphrase = "POLY_PASSPHRASE"
)

// Decrypter turns a base64 KMS ciphertext into plaintext, in practice a
// kms.Client.
type Decrypter interface {
	DecryptBase64(ctx context.Context, encoded string) ([]byte, error)
}

// Config is the raw credential material. Exactly one of Secret and
// SecretCiphertext is expected; Secret wins when both are set.
type Config struct {
	Address          string
	APIKey           string
	Secret           string
	SecretCiphertext string
	Passphrase       string
}

// Store holds the exchange API credentials. The secret is sealed in a
// memguard Enclave and only opened while signing or subscribing.
type Store struct {
	address    common.Address
	apiKey     string
	passphrase string

	mu     sync.RWMutex
	secret *memguard.Enclave

	now func() time.Time
}

// Load validates cfg and seals the secret. dec is only consulted when the
// secret is supplied as ciphertext and may be nil otherwise.
func Load(ctx context.Context, cfg Config, dec Decrypter) (*Store, error) {
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, cfg.Address)
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}

	var raw []byte
	switch {
	case cfg.Secret != "":
		raw = []byte(cfg.Secret)
	case cfg.SecretCiphertext != "" && dec != nil:
		plain, err := dec.DecryptBase64(ctx, cfg.SecretCiphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypt api secret: %w", err)
		}
		raw = plain
	}
	if len(raw) == 0 {
		return nil, ErrMissingSecret
	}

	// NewEnclave wipes raw.
	secret := memguard.NewEnclave(raw)
	return &Store{
		address:    common.HexToAddress(cfg.Address),
		apiKey:     cfg.APIKey,
		passphrase: cfg.Passphrase,
		secret:     secret,
		now:        time.Now,
	}, nil
}

// Address returns the checksummed house address.
func (s *Store) Address() common.Address { return s.address }

// WSAuth returns the user-channel subscribe credentials.
func (s *Store) WSAuth() (stream.Auth, error) {
	var auth stream.Auth
	err := s.withSecret(func(secret []byte) error {
		auth = stream.Auth{APIKey: s.apiKey, Secret: string(secret), Passphrase: s.passphrase}
		return nil
	})
	return auth, err
}

// SignHeaders sets the L2 headers on h. The signature is the URL-safe
// base64 HMAC-SHA256, keyed by the URL-safe base64 decoded secret, of
// timestamp + method + path + body.
func (s *Store) SignHeaders(h http.Header, method, path string, body []byte) error {
	ts := strconv.FormatInt(s.now().Unix(), 10)

	var sig string
	err := s.withSecret(func(secret []byte) error {
		key := make([]byte, base64.URLEncoding.DecodedLen(len(secret)))
		n, err := base64.URLEncoding.Decode(key, secret)
		if err != nil {
			return fmt.Errorf("decode api secret: %w", err)
		}
		defer memguard.WipeBytes(key)

		mac := hmac.New(sha256.New, key[:n])
		mac.Write([]byte(ts + method + path))
		mac.Write(body)
		sig = base64.URLEncoding.EncodeToString(mac.Sum(nil))
		return nil
	})
	if err != nil {
		return err
	}

	h.Set(HeaderAddress, s.address.Hex())
	h.Set(HeaderSignature, sig)
	h.Set(HeaderTimestamp, ts)
	h.Set(HeaderAPIKey, s.apiKey)
	h.Set(HeaderPassphrase, s.passphrase)
	return nil
}

func (s *Store) withSecret(fn func([]byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.secret == nil {
		return ErrDestroyed
	}
	buf, err := s.secret.Open()
	if err != nil {
		return fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// Destroy drops the sealed secret. Later calls fail with ErrDestroyed.
func (s *Store) Destroy() {
	s.mu.Lock()
	s.secret = nil
	s.mu.Unlock()
}
