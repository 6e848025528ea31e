// Package secrets keeps provider credentials out of the plain config file.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/jask/moneysync/internal/apperr"
	"github.com/jask/moneysync/internal/config"
)

// AggregatorKey names the aggregator client secret in the store.
const AggregatorKey = "aggregator"

// Store is a per-user secret file (0600) with AES-GCM obfuscation. It is not a
// replacement for an OS keychain.
type Store struct {
	path string
}

type secretFile struct {
	Keys map[string]string `json:"keys"` // name -> base64(ciphertext)
}

// NewStore opens the store at path. The file is created on first Set.
func NewStore(path string) *Store { return &Store{path: path} }

// DefaultPath is keys.json under the user config dir.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "moneysync", "keys.json"), nil
}

func (s *Store) Set(name, value string) error {
	if name = norm(name); name == "" {
		return apperr.New(apperr.CodeValidation, "secret name required")
	}
	sf, err := s.load()
	if err != nil {
		return err
	}
	if sf.Keys == nil {
		sf.Keys = map[string]string{}
	}
	ct, err := encrypt([]byte(value))
	if err != nil {
		return err
	}
	sf.Keys[name] = base64.StdEncoding.EncodeToString(ct)
	return s.save(sf)
}

// Get returns the secret or a not_found error.
func (s *Store) Get(name string) (string, error) {
	if name = norm(name); name == "" {
		return "", apperr.New(apperr.CodeValidation, "secret name required")
	}
	sf, err := s.load()
	if err != nil {
		return "", err
	}
	enc, ok := sf.Keys[name]
	if !ok {
		return "", apperr.New(apperr.CodeNotFound, "secret %q not found", name)
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode secret %q: %w", name, err)
	}
	pt, err := decrypt(raw)
	if err != nil {
		return "", fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return string(pt), nil
}

func (s *Store) Delete(name string) error {
	if name = norm(name); name == "" {
		return apperr.New(apperr.CodeValidation, "secret name required")
	}
	sf, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := sf.Keys[name]; !ok {
		return nil
	}
	delete(sf.Keys, name)
	return s.save(sf)
}

// ResolveAggregatorSecret picks the client secret from, in order, the env var named
// by cfg.SecretEnv, the store, then cfg.Secret. store may be nil.
func ResolveAggregatorSecret(cfg config.AggregatorConfig, store *Store) string {
	if cfg.SecretEnv != "" {
		if v := strings.TrimSpace(os.Getenv(cfg.SecretEnv)); v != "" {
			return v
		}
	}
	if store != nil {
		if v, err := store.Get(AggregatorKey); err == nil && v != "" {
			return v
		}
	}
	return cfg.Secret
}

func (s *Store) load() (secretFile, error) {
	var sf secretFile
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return secretFile{}, nil
		}
		return sf, err
	}
	if err := json.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return sf, nil
}

func (s *Store) save(sf secretFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func norm(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

func masterKey() []byte {
	base := fmt.Sprintf("moneysync-%s-%s", runtime.GOOS, os.Getenv("USER"))
	hash := sha256.Sum256([]byte(base))
	return hash[:]
}

func newGCM() (cipher.AEAD, error) {
	block, err := aes.NewCipher(masterKey())
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encrypt(plain []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func decrypt(ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM()
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, ciphertext[gcm.NonceSize():], nil)
}
