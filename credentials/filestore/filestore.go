// Package filestore persists credentials to a single file, encrypted at rest
// with XChaCha20-Poly1305. The cipher key lives in a sibling 0600 file created
// on first use, so tokens are unreadable to other users on a shared machine
// without being tied to a platform keychain.
package filestore

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/planline/planline-go/credentials"
)

const (
	credentialsFileName = "credentials.bin"
	keyFileName         = "credentials.key"
)

var _ credentials.Store = (*FileStore)(nil)

// FileStore is a credential store backed by an encrypted file. All mutations
// rewrite the file through a temp-file rename so a crash never leaves a
// half-written store.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	aead   cipher.AEAD
	values map[string]string
}

// New opens (or creates) the credential store under dataFolder.
func New(dataFolder string) (*FileStore, error) {
	if err := os.MkdirAll(dataFolder, 0o700); err != nil {
		return nil, errors.Wrap(err, "[filestore.New] MkdirAll")
	}

	key, err := loadOrCreateKey(filepath.Join(dataFolder, keyFileName))
	if err != nil {
		return nil, errors.Wrap(err, "[filestore.New] loadOrCreateKey")
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[filestore.New] chacha20poly1305.NewX")
	}

	fs := &FileStore{
		path:   filepath.Join(dataFolder, credentialsFileName),
		aead:   aead,
		values: make(map[string]string),
	}
	if err := fs.load(); err != nil {
		return nil, errors.Wrap(err, "[filestore.New] load")
	}
	return fs, nil
}

func (f *FileStore) Get(key string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.values[key]
	return v, ok
}

func (f *FileStore) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return f.persist()
}

func (f *FileStore) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.persist()
}

func (f *FileStore) Keys() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	return keys
}

func (f *FileStore) load() error {
	ciphertext, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ReadFile")
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX {
		return errors.New("credential file truncated")
	}

	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	plaintext, err := f.aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return errors.Wrap(err, "decrypt")
	}
	return json.Unmarshal(plaintext, &f.values)
}

func (f *FileStore) persist() error {
	plaintext, err := json.Marshal(f.values)
	if err != nil {
		return errors.Wrap(err, "Marshal")
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "rand.Read")
	}
	ciphertext := f.aead.Seal(nonce, nonce, plaintext, nil)

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0o600); err != nil {
		return errors.Wrap(err, "WriteFile")
	}
	return os.Rename(tmp, f.path)
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, errors.New("credential key file has wrong size")
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
