// Package crypto seals customer provider API keys for storage on bot rows.
// A sealed value is a self-describing JSON envelope naming the master key
// that produced it, so envelopes written before a key rotation stay
// readable as long as the old key is still configured.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const masterKeyLen = 32

// envelope is the stored form of one sealed secret.
type envelope struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Manager seals with the current master key and opens with any configured
// one. Rotation is adding a new current key while keeping the old ones
// around until every stored envelope has been rewritten.
type Manager struct {
	current string
	keys    map[string][]byte
}

func NewManager(current string, keys map[string][]byte) (*Manager, error) {
	if current == "" {
		return nil, errors.New("current master key id is empty")
	}
	if len(keys) == 0 {
		return nil, errors.New("no master keys provided")
	}
	held := make(map[string][]byte, len(keys))
	for id, k := range keys {
		if len(k) != masterKeyLen {
			return nil, fmt.Errorf("master key %q must be %d bytes", id, masterKeyLen)
		}
		held[id] = append([]byte(nil), k...)
	}
	if _, ok := held[current]; !ok {
		return nil, fmt.Errorf("current master key id %q not among provided keys", current)
	}
	return &Manager{current: current, keys: held}, nil
}

// MarshalEncryptedString seals a secret under the current master key and
// returns the JSON envelope to store in its place.
func (m *Manager) MarshalEncryptedString(secret string) (string, error) {
	aead, err := aeadFor(m.keys[m.current])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("draw nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(secret), nil)

	out, err := json.Marshal(envelope{
		KeyID:      m.current,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	return string(out), nil
}

// UnmarshalEncryptedString opens a stored envelope. The envelope names the
// master key it was sealed under, which need not be the current one.
func (m *Manager) UnmarshalEncryptedString(stored string) (string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(stored), &env); err != nil {
		return "", fmt.Errorf("unmarshal envelope: %w", err)
	}
	key, ok := m.keys[env.KeyID]
	if !ok {
		return "", fmt.Errorf("envelope sealed under unknown master key %q", env.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	aead, err := aeadFor(key)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("open envelope: %w", err)
	}
	return string(plain), nil
}

func aeadFor(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("build cipher: %w", err)
	}
	return aead, nil
}
