package server

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeyFile = "master.key"
	masterKeySize = 32
)

// KeyManager holds the master secret kept in the secrets directory and
// derives purpose-specific keys from it.
type KeyManager struct {
	master []byte
}

// NewKeyManager loads the master secret from secretsPath, creating it on
// first start.
func NewKeyManager(secretsPath string, logger *slog.Logger) (*KeyManager, error) {
	path := filepath.Join(secretsPath, masterKeyFile)
	master, err := loadMasterKey(path)
	if errors.Is(err, os.ErrNotExist) {
		master = make([]byte, masterKeySize)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate master key: %w", err)
		}
		if err := persistMasterKey(path, master); err != nil {
			return nil, err
		}
		logger.Info("generated master key", "path", path)
		return &KeyManager{master: master}, nil
	}
	if err != nil {
		return nil, err
	}
	return &KeyManager{master: master}, nil
}

func loadMasterKey(path string) ([]byte, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	master, err := hex.DecodeString(strings.TrimSpace(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if len(master) < masterKeySize {
		return nil, fmt.Errorf("%s holds %d bytes, need %d", path, len(master), masterKeySize)
	}
	return master, nil
}

func persistMasterKey(path string, master []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(master)+"\n"), 0o600); err != nil {
		return fmt.Errorf("write master key: %w", err)
	}
	return nil
}

// Derive returns a 32 byte key bound to purpose.
func (k *KeyManager) Derive(purpose string) ([]byte, error) {
	out := make([]byte, 32)
	r := hkdf.New(sha256.New, k.master, nil, []byte("openidrp "+purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", purpose, err)
	}
	return out, nil
}
