package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// FileBackend is an encrypted-file secret store. The file holds a random
// salt followed by a ChaCha20-Poly1305 sealed JSON mapping of
// "[service/]key" to value; the sealing key is derived from a passphrase
// with HKDF-SHA256.
type FileBackend struct {
	mu     sync.RWMutex
	path   string
	pass   []byte
	values map[string]string
}

const fileSaltSize = 16

// OpenFileBackend loads (or initializes) an encrypted secrets file.
func OpenFileBackend(path string, passphrase []byte) (*FileBackend, error) {
	fb := &FileBackend{path: path, pass: passphrase, values: map[string]string{}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return fb, nil
	}
	if err != nil {
		return nil, fmt.Errorf("secrets: read %s: %w", path, err)
	}
	if err := fb.decrypt(data); err != nil {
		return nil, err
	}
	return fb, nil
}

func (f *FileBackend) Name() string { return "file" }

// Get looks up a stored secret.
func (f *FileBackend) Get(service, key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	ref := key
	if service != "" {
		ref = service + "/" + key
	}
	v, ok := f.values[ref]
	return v, ok
}

// Set stores a secret and rewrites the encrypted file.
func (f *FileBackend) Set(ref, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[ref] = value
	return f.flush()
}

func (f *FileBackend) deriveKey(salt []byte) ([]byte, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, f.pass, salt, []byte("deskflow-secrets-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: key derivation failed: %w", err)
	}
	return key, nil
}

func (f *FileBackend) decrypt(data []byte) error {
	if len(data) < fileSaltSize+chacha20poly1305.NonceSize {
		return fmt.Errorf("secrets: file %s is truncated", f.path)
	}
	salt := data[:fileSaltSize]
	nonce := data[fileSaltSize : fileSaltSize+chacha20poly1305.NonceSize]
	box := data[fileSaltSize+chacha20poly1305.NonceSize:]

	key, err := f.deriveKey(salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("secrets: cipher init: %w", err)
	}
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return fmt.Errorf("secrets: cannot decrypt %s (wrong passphrase?): %w", f.path, err)
	}
	if err := json.Unmarshal(plain, &f.values); err != nil {
		return fmt.Errorf("secrets: corrupt store %s: %w", f.path, err)
	}
	return nil
}

func (f *FileBackend) flush() error {
	plain, err := json.Marshal(f.values)
	if err != nil {
		return fmt.Errorf("secrets: marshal store: %w", err)
	}
	salt := make([]byte, fileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("secrets: salt: %w", err)
	}
	key, err := f.deriveKey(salt)
	if err != nil {
		return err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("secrets: cipher init: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("secrets: nonce: %w", err)
	}
	out := append(append(salt, nonce...), aead.Seal(nil, nonce, plain, nil)...)

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("secrets: write %s: %w", tmp, err)
	}
	return os.Rename(tmp, f.path)
}
