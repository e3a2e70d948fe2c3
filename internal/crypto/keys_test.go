package crypto

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestSealedKeyRoundTrip(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{7}, 32)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	stored, err := m.MarshalEncryptedString("sk-customer-openai")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if strings.Contains(stored, "sk-customer-openai") {
		t.Fatal("plaintext key leaked into stored envelope")
	}

	got, err := m.UnmarshalEncryptedString(stored)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "sk-customer-openai" {
		t.Fatalf("round trip changed the key: %q", got)
	}
}

// Rotating the master key rewrites a bot's provider keys: open the envelope
// sealed under the retired key, seal again, and the new envelope must name
// the new key and be unreadable to a manager that only holds the old one.
func TestMasterKeyRotationRewritesProviderKey(t *testing.T) {
	k1 := bytes.Repeat([]byte{1}, 32)
	k2 := bytes.Repeat([]byte{2}, 32)

	before, err := NewManager("k1", map[string][]byte{"k1": k1})
	if err != nil {
		t.Fatalf("manager before rotation: %v", err)
	}
	stored, err := before.MarshalEncryptedString("sk-customer-openai")
	if err != nil {
		t.Fatalf("seal under k1: %v", err)
	}

	rotated, err := NewManager("k2", map[string][]byte{"k1": k1, "k2": k2})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotated.UnmarshalEncryptedString(stored)
	if err != nil {
		t.Fatalf("old envelope must stay readable after rotation: %v", err)
	}
	rewritten, err := rotated.MarshalEncryptedString(plain)
	if err != nil {
		t.Fatalf("reseal under k2: %v", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(rewritten), &env); err != nil {
		t.Fatalf("unmarshal rewritten envelope: %v", err)
	}
	if env.KeyID != "k2" {
		t.Fatalf("rewritten envelope sealed under %q, want k2", env.KeyID)
	}

	if _, err := before.UnmarshalEncryptedString(rewritten); err == nil {
		t.Fatal("manager without k2 opened the rewritten envelope")
	}
}

func TestUnknownKeyIDRejected(t *testing.T) {
	m, err := NewManager("k1", map[string][]byte{"k1": bytes.Repeat([]byte{9}, 32)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	raw, _ := json.Marshal(envelope{KeyID: "gone", Nonce: "AAAA", Ciphertext: "AAAA"})
	if _, err := m.UnmarshalEncryptedString(string(raw)); err == nil {
		t.Fatal("expected unknown key id to fail")
	}
}

func TestNewManagerRejectsBadKeys(t *testing.T) {
	if _, err := NewManager("k1", map[string][]byte{"k1": []byte("short")}); err == nil {
		t.Fatal("expected short key to fail")
	}
	if _, err := NewManager("missing", map[string][]byte{"k1": bytes.Repeat([]byte{3}, 32)}); err == nil {
		t.Fatal("expected missing current key to fail")
	}
}
