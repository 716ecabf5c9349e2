package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/blake3"
)

// checksumSuffix names the sidecar file holding the config's BLAKE3 hash.
const checksumSuffix = ".b3sum"

// ErrChecksumMissing indicates the config has never been locked.
var ErrChecksumMissing = errors.New("config checksum file missing")

// ComputeChecksum returns the hex BLAKE3 hash of the file at path.
func ComputeChecksum(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lock records the current checksum of the config file in its sidecar,
// authorizing the current contents.
func Lock(configPath string) error {
	hash, err := ComputeChecksum(configPath)
	if err != nil {
		return err
	}
	sidecar := configPath + checksumSuffix
	if err := os.WriteFile(sidecar, []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write checksum %s: %w", sidecar, err)
	}
	return nil
}

// Verify compares the config file against its locked checksum. Returns
// ErrChecksumMissing when the sidecar does not exist, and a mismatch error
// when the file changed since it was locked.
func Verify(configPath string) error {
	sidecar := configPath + checksumSuffix
	recorded, err := os.ReadFile(sidecar)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrChecksumMissing
		}
		return fmt.Errorf("read checksum %s: %w", sidecar, err)
	}

	actual, err := ComputeChecksum(configPath)
	if err != nil {
		return err
	}

	expected := strings.TrimSpace(string(recorded))
	if actual != expected {
		return fmt.Errorf("config %s changed since it was locked (run \"syftrun config lock\" to authorize)", configPath)
	}
	return nil
}
