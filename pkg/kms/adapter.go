package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrMalformedEnvelope   = errors.New("malformed envelope")
)

// envelopePrefix marks values produced by Seal. Anything without it is
// returned unchanged by Open.
const envelopePrefix = "env1:"

type EncryptionContext map[string]string

type Provider interface {
	EncryptWithContext(ctx context.Context, plaintext []byte, encContext []byte) (ciphertext []byte, err error)
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext []byte) (plaintext []byte, err error)
	GetSecret(ctx context.Context, key string) (value string, err error)
}

// Adapter routes key operations to a primary provider (Vault or AWS) and,
// unless fail-closed, to a local fallback.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true"
	var primary, fallback Provider
	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil {
		if awsRegion := os.Getenv("AWS_REGION"); awsRegion != "" {
			if ap, err := newAWSProvider(ctx); err == nil {
				primary = ap
			}
		}
	}
	if !requirePrimary && primary == nil {
		if envKey := os.Getenv("KMS_LOCAL_KEY"); envKey != "" {
			ep, err := newEnvProvider(envKey)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize env provider: %w", err)
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS KMS)")
		}
		return nil, fmt.Errorf("no KMS providers available (checked Vault, AWS KMS, env)")
	}
	return NewAdapterWith(primary, fallback, os.Getenv("KMS_FAIL_CLOSED") != "false", requirePrimary), nil
}

func NewAdapterWith(primary, fallback Provider, failClosed, requirePrimary bool) *Adapter {
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     failClosed,
		requirePrimary: requirePrimary,
	}
}

func (a *Adapter) EncryptWithContext(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	if a.primary != nil {
		ciphertext, err := a.primary.EncryptWithContext(ctx, plaintext, contextBytes)
		if err == nil {
			return ciphertext, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary KMS encrypt failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms encrypt failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.EncryptWithContext(ctx, plaintext, contextBytes)
	}
	return nil, ErrProviderUnavailable
}
func (a *Adapter) DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	contextBytes := serializeEncryptionContext(encContext)
	if a.primary != nil {
		plaintext, err := a.primary.DecryptWithContext(ctx, ciphertext, contextBytes)
		if err == nil {
			return plaintext, nil
		}
		if a.requirePrimary {
			return nil, fmt.Errorf("primary KMS decrypt failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return nil, fmt.Errorf("kms decrypt failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.DecryptWithContext(ctx, ciphertext, contextBytes)
	}
	return nil, ErrProviderUnavailable
}
func serializeEncryptionContext(ctx EncryptionContext) []byte {
	if len(ctx) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ctx[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}
func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary {
			return "", fmt.Errorf("primary KMS GetSecret failed (KMS_REQUIRE_PRIMARY=true): %w", err)
		}
		if a.failClosed {
			return "", fmt.Errorf("get secret failed (fail-closed): %w", err)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

var sealContext = EncryptionContext{"purpose": "paste-content"}

// Seal encrypts plaintext under a fresh data key and stores the data key
// wrapped by the provider: env1:<wrapped dek>.<nonce||ciphertext>.
func (a *Adapter) Seal(ctx context.Context, plaintext string) (string, error) {
	dek := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(dek); err != nil {
		return "", err
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	body := aead.Seal(nonce, nonce, []byte(plaintext), serializeEncryptionContext(sealContext))
	wrapped, err := a.EncryptWithContext(ctx, dek, sealContext)
	if err != nil {
		return "", fmt.Errorf("wrap data key: %w", err)
	}
	enc := base64.RawStdEncoding
	return envelopePrefix + enc.EncodeToString(wrapped) + "." + enc.EncodeToString(body), nil
}
func (a *Adapter) Open(ctx context.Context, sealed string) (string, error) {
	if !strings.HasPrefix(sealed, envelopePrefix) {
		return sealed, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(sealed, envelopePrefix), ".", 2)
	if len(parts) != 2 {
		return "", ErrMalformedEnvelope
	}
	enc := base64.RawStdEncoding
	wrapped, err := enc.DecodeString(parts[0])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	body, err := enc.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedEnvelope
	}
	dek, err := a.DecryptWithContext(ctx, wrapped, sealContext)
	if err != nil {
		return "", fmt.Errorf("unwrap data key: %w", err)
	}
	defer wipe(dek)
	aead, err := chacha20poly1305.NewX(dek)
	if err != nil {
		return "", err
	}
	if len(body) < aead.NonceSize() {
		return "", ErrMalformedEnvelope
	}
	nonce, ct := body[:aead.NonceSize()], body[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, serializeEncryptionContext(sealContext))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(pt), nil
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
