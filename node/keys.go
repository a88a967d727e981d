package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyberfly-io/flynode/pkg/identity"
)

const secretKeyFile = "secret_key"

// loadOrGenerateKey loads the hex encoded node key from the data directory,
// generating and persisting a new key if none exists.
func loadOrGenerateKey(dataDir string) (*identity.KeyPair, bool, error) {
	path := filepath.Join(dataDir, secretKeyFile)

	b, err := os.ReadFile(path)
	if err == nil {
		secretKey, err := identity.ParseSecretKey(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		kp, err := identity.KeyPairFromSecretKey(secretKey)
		if err != nil {
			return nil, false, fmt.Errorf("%s: %w", path, err)
		}
		return kp, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, fmt.Errorf("read key: %w", err)
	}

	kp, err := identity.GenerateKeyPair()
	if err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, []byte(kp.SecretKeyHex()+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("write key: %w", err)
	}
	return kp, true, nil
}
