package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/wisbric/autoengine/internal/atomicfile"
)

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// readEncrypted reads the ciphertext file at path and decrypts it.
func readEncrypted(path string, key []byte) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	plaintext, err := open(key, data)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential store: %w", err)
	}
	return plaintext, nil
}

// writeEncrypted serializes f to JSON, encrypts it, and atomically writes
// it to path.
func writeEncrypted(path string, key []byte, f file) error {
	plaintext, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling credential store: %w", err)
	}
	ciphertext, err := seal(key, plaintext)
	if err != nil {
		return fmt.Errorf("encrypting credential store: %w", err)
	}
	return atomicfile.Write(path, ciphertext)
}

func decodeFile(raw []byte, f *file) error {
	return json.Unmarshal(raw, f)
}
