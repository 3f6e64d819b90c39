package kms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// ErrEmptyCiphertext is returned when there is nothing to decrypt.
var ErrEmptyCiphertext = errors.New("kms: empty ciphertext")

// API is the subset of the KMS SDK the Client calls.
type API interface {
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Client decrypts the exchange API secret stored as a KMS ciphertext.
type Client struct {
	api   API
	keyID string
}

// New creates a KMS Client. If localStackEndpoint is non-empty, the client
// targets that endpoint with dummy credentials (for local development).
// Otherwise it uses the AWS default credential chain. keyID may be empty,
// in which case KMS resolves the key from the ciphertext.
func New(ctx context.Context, region, localStackEndpoint, keyID string) (*Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if localStackEndpoint != "" {
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "test")),
		)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kms: load aws config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if localStackEndpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(localStackEndpoint)
		})
	}
	return NewWithAPI(kms.NewFromConfig(cfg, kmsOpts...), keyID), nil
}

// NewWithAPI wraps an existing KMS API implementation.
func NewWithAPI(api API, keyID string) *Client {
	return &Client{api: api, keyID: keyID}
}

// Decrypt returns the plaintext of a raw ciphertext blob. The caller owns
// the returned bytes and should wipe them once sealed elsewhere.
func (c *Client) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	in := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if c.keyID != "" {
		in.KeyId = aws.String(c.keyID)
	}
	out, err := c.api.Decrypt(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// DecryptBase64 decodes a standard base64 ciphertext, as produced by
// `aws kms encrypt --output text`, and decrypts it.
func (c *Client) DecryptBase64(ctx context.Context, encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("kms: decode ciphertext: %w", err)
	}
	return c.Decrypt(ctx, blob)
}
