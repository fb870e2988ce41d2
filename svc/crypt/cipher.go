package crypt

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"pasteir/metrics"
	"pasteir/pkg/domain"
)

const (
	maxPasswordLength = 1024
	saltLen           = 16
	keyLen            = chacha20poly1305.KeySize
	jobTimeout        = 10 * time.Second
)

var (
	ErrNotStarted   = errors.New("cipher not started - call Start() first")
	ErrShuttingDown = errors.New("cipher is shutting down")
)

// Cipher encrypts paste content under a password-derived key. Key
// derivation is argon2id and runs on a fixed pool of workers.
type Cipher struct {
	iterations  uint32
	memory      uint32
	parallelism uint8
	jobQueue    chan keyJob
	quit        chan struct{}
	wg          sync.WaitGroup
	started     bool
	startMu     sync.Mutex
	stopOnce    sync.Once
}
type keyJob struct {
	password []byte
	salt     []byte
	resp     chan []byte
}

func NewCipher(time, memory uint32, parallelism uint8) (*Cipher, error) {
	if time == 0 || time > 100 {
		return nil, errors.New("iterations must be between 1 and 100")
	}
	if memory < 1*1024 || memory > 2*1024*1024 {
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	}
	if parallelism == 0 || parallelism > 128 {
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Cipher{
		iterations:  time,
		memory:      memory,
		parallelism: parallelism,
		jobQueue:    make(chan keyJob, 1024),
		quit:        make(chan struct{}),
	}, nil
}
func (c *Cipher) Start(workers int) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.started {
		return errors.New("cipher already started")
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	c.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go c.worker()
	}
	c.started = true
	return nil
}
func (c *Cipher) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.wg.Wait()
	})
}
func (c *Cipher) worker() {
	defer c.wg.Done()
	for {
		select {
		case job := <-c.jobQueue:
			key := argon2.IDKey(job.password, job.salt, c.iterations, c.memory, c.parallelism, keyLen)
			wipe(job.password)
			job.resp <- key
		case <-c.quit:
			return
		}
	}
}
func (c *Cipher) deriveKey(ctx context.Context, password string, salt []byte) ([]byte, error) {
	c.startMu.Lock()
	started := c.started
	c.startMu.Unlock()
	if !started {
		return nil, ErrNotStarted
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	resp := make(chan []byte, 1)
	pw := []byte(password)
	select {
	case c.jobQueue <- keyJob{password: pw, salt: salt, resp: resp}:
	case <-ctx.Done():
		wipe(pw)
		return nil, errors.Wrap(ctx.Err(), "key queue full")
	case <-c.quit:
		wipe(pw)
		return nil, ErrShuttingDown
	}
	select {
	case key := <-resp:
		return key, nil
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "key derivation timeout")
	case <-c.quit:
		return nil, ErrShuttingDown
	}
}

// Encrypt returns base64 salt, nonce and ciphertext for content sealed under password.
func (c *Cipher) Encrypt(ctx context.Context, content, password string) (string, string, string, error) {
	if len(password) > maxPasswordLength {
		return "", "", "", errors.Wrap(domain.ErrInvalidRequest, "password too long")
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", "", "", errors.Wrap(err, "salt")
	}
	key, err := c.deriveKey(ctx, password, salt)
	if err != nil {
		return "", "", "", err
	}
	defer wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", "", "", errors.Wrap(err, "aead")
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", "", errors.Wrap(err, "nonce")
	}
	ct := aead.Seal(nil, nonce, []byte(content), nil)
	metrics.CryptOps.WithLabelValues("encrypt").Inc()
	enc := base64.StdEncoding
	return enc.EncodeToString(salt), enc.EncodeToString(nonce), enc.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. Any mismatch, including malformed inputs, is
// reported as domain.ErrDecryptionFailed.
func (c *Cipher) Decrypt(ctx context.Context, salt, iv, ciphertext, password string) (string, error) {
	if len(password) > maxPasswordLength {
		return "", domain.ErrDecryptionFailed
	}
	enc := base64.StdEncoding
	s, err1 := enc.DecodeString(salt)
	n, err2 := enc.DecodeString(iv)
	ct, err3 := enc.DecodeString(ciphertext)
	if err1 != nil || err2 != nil || err3 != nil || len(s) == 0 || len(n) != chacha20poly1305.NonceSize {
		return "", domain.ErrDecryptionFailed
	}
	key, err := c.deriveKey(ctx, password, s)
	if err != nil {
		return "", err
	}
	defer wipe(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", errors.Wrap(err, "aead")
	}
	metrics.CryptOps.WithLabelValues("decrypt").Inc()
	pt, err := aead.Open(nil, n, ct, nil)
	if err != nil {
		return "", domain.ErrDecryptionFailed
	}
	return string(pt), nil
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
