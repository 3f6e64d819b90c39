package credentials

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x1b3cd4E44F8D7d2B0e5b7a4E7C6DbF0C4fA5e3b9"

var testSecret = base64.URLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

type fakeDecrypter struct {
	plain []byte
	err   error
	got   string
}

func (f *fakeDecrypter) DecryptBase64(_ context.Context, encoded string) ([]byte, error) {
	f.got = encoded
	if f.err != nil {
		return nil, f.err
	}
	return append([]byte(nil), f.plain...), nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Load(context.Background(), Config{
		Address:    testAddress,
		APIKey:     "key-1",
		Secret:     testSecret,
		Passphrase: "pass-1",
	}, nil)
	require.NoError(t, err)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s
}

func TestSignHeaders(t *testing.T) {
	s := newTestStore(t)
	h := http.Header{}
	require.NoError(t, s.SignHeaders(h, http.MethodGet, "/data/orders", nil))

	key, err := base64.URLEncoding.DecodeString(testSecret)
	require.NoError(t, err)
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("1700000000GET/data/orders"))
	want := base64.URLEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, h.Get(HeaderSignature))
	assert.Equal(t, "1700000000", h.Get(HeaderTimestamp))
	assert.Equal(t, "key-1", h.Get(HeaderAPIKey))
	assert.Equal(t, "pass-1", h.Get(HeaderPassphrase))
	assert.Equal(t, s.Address().Hex(), h.Get(HeaderAddress))
}

func TestSignHeaders_BodyChangesSignature(t *testing.T) {
	s := newTestStore(t)
	a, b := http.Header{}, http.Header{}
	require.NoError(t, s.SignHeaders(a, http.MethodPost, "/order", nil))
	require.NoError(t, s.SignHeaders(b, http.MethodPost, "/order", []byte(`{"x":1}`)))
	assert.NotEqual(t, a.Get(HeaderSignature), b.Get(HeaderSignature))
}

func TestWSAuth(t *testing.T) {
	s := newTestStore(t)
	auth, err := s.WSAuth()
	require.NoError(t, err)
	assert.Equal(t, "key-1", auth.APIKey)
	assert.Equal(t, testSecret, auth.Secret)
	assert.Equal(t, "pass-1", auth.Passphrase)

	s.Destroy()
	_, err = s.WSAuth()
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.ErrorIs(t, s.SignHeaders(http.Header{}, http.MethodGet, "/", nil), ErrDestroyed)
}

func TestLoad_FromCiphertext(t *testing.T) {
	dec := &fakeDecrypter{plain: []byte(testSecret)}
	s, err := Load(context.Background(), Config{
		Address:          testAddress,
		APIKey:           "key-1",
		SecretCiphertext: "Y2lwaGVy",
	}, dec)
	require.NoError(t, err)
	assert.Equal(t, "Y2lwaGVy", dec.got)

	auth, err := s.WSAuth()
	require.NoError(t, err)
	assert.Equal(t, testSecret, auth.Secret)
}

func TestLoad_Errors(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  Config
		dec  Decrypter
		want error
	}{
		{"bad address", Config{Address: "0x123", APIKey: "k", Secret: testSecret}, nil, ErrInvalidAddress},
		{"no api key", Config{Address: testAddress, Secret: testSecret}, nil, ErrMissingAPIKey},
		{"no secret", Config{Address: testAddress, APIKey: "k"}, nil, ErrMissingSecret},
		{"ciphertext without decrypter", Config{Address: testAddress, APIKey: "k", SecretCiphertext: "x"}, nil, ErrMissingSecret},
		{"empty plaintext", Config{Address: testAddress, APIKey: "k", SecretCiphertext: "x"}, &fakeDecrypter{}, ErrMissingSecret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(ctx, tt.cfg, tt.dec)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Load(ctx, Config{Address: testAddress, APIKey: "k", SecretCiphertext: "x"}, &fakeDecrypter{err: errors.New("denied")})
	assert.ErrorContains(t, err, "denied")
}
