package crypt

import (
	"context"
	"errors"
	"sync"
	"testing"

	"pasteir/pkg/domain"
)

func newTestCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(1, 8*1024, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(2); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Stop)
	return c
}
func TestRoundTrip(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	salt, iv, ct, err := c.Encrypt(ctx, "secret body", "x")
	if err != nil {
		t.Fatal(err)
	}
	if salt == "" || iv == "" || ct == "" {
		t.Fatal("empty output")
	}
	got, err := c.Decrypt(ctx, salt, iv, ct, "x")
	if err != nil {
		t.Fatal(err)
	}
	if got != "secret body" {
		t.Errorf("got %q", got)
	}
}
func TestWrongPassword(t *testing.T) {
	c := newTestCipher(t)
	ctx := context.Background()
	salt, iv, ct, err := c.Encrypt(ctx, "secret body", "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Decrypt(ctx, salt, iv, ct, "wrong"); !errors.Is(err, domain.ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}
func TestMalformedInput(t *testing.T) {
	c := newTestCipher(t)
	tests := []struct {
		name         string
		salt, iv, ct string
	}{
		{"bad salt", "%%%", "AAAAAAAAAAAAAAAA", "AAAA"},
		{"short nonce", "AAAAAAAAAAAAAAAAAAAAAA==", "AAAA", "AAAA"},
		{"empty salt", "", "AAAAAAAAAAAAAAAA", "AAAA"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(context.Background(), tt.salt, tt.iv, tt.ct, "x")
			if !errors.Is(err, domain.ErrDecryptionFailed) {
				t.Errorf("expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}
func TestNotStarted(t *testing.T) {
	c, err := NewCipher(1, 8*1024, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, _, err := c.Encrypt(context.Background(), "a", "b"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
}
func TestConcurrentEncrypt(t *testing.T) {
	c := newTestCipher(t)
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, _, err := c.Encrypt(context.Background(), "body", "pw"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
func TestNewCipherValidation(t *testing.T) {
	if _, err := NewCipher(0, 8*1024, 1); err == nil {
		t.Error("expected error for zero iterations")
	}
	if _, err := NewCipher(1, 10, 1); err == nil {
		t.Error("expected error for tiny memory")
	}
	if _, err := NewCipher(1, 8*1024, 0); err == nil {
		t.Error("expected error for zero parallelism")
	}
}
