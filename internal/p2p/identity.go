package p2p

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadOrCreateKey reads a hex-encoded ed25519 seed from path, generating and
// saving a new one if the file does not exist. An empty path yields an
// ephemeral key.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		return key, errors.Wrap(err, "failed to generate node key")
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, errors.Errorf("invalid key file %s", path)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "failed to read key file")
	}

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate node key")
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key.Seed())), 0600); err != nil {
		return nil, errors.Wrap(err, "failed to save node key")
	}
	slog.Info("Generated new node key", "file", path)
	return key, nil
}
