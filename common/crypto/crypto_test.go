package crypto_test

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/perch-run/perch/common/crypto"
)

var testKey = bytes.Repeat([]byte{0x42}, crypto.KeySize)

func TestRoundTrip(t *testing.T) {
	sealed, err := crypto.Encrypt(testKey, []byte("gw-token-secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, []byte("gw-token-secret")) {
		t.Fatal("plaintext visible in ciphertext")
	}

	plain, err := crypto.Decrypt(testKey, sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != "gw-token-secret" {
		t.Errorf("plaintext = %q", plain)
	}
}

func TestStringRoundTrip(t *testing.T) {
	encoded, err := crypto.EncryptString(testKey, "sk-user-key")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	got, err := crypto.DecryptString(testKey, encoded)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != "sk-user-key" {
		t.Errorf("plaintext = %q", got)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sealed, err := crypto.Encrypt(testKey, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sealed[len(sealed)-1] ^= 0x01
	if _, err := crypto.Decrypt(testKey, sealed); err == nil {
		t.Fatal("tampered ciphertext accepted")
	}
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	sealed, err := crypto.Encrypt(testKey, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	other := bytes.Repeat([]byte{0x43}, crypto.KeySize)
	if _, err := crypto.Decrypt(other, sealed); err == nil {
		t.Fatal("wrong key accepted")
	}
}

func TestKeySizeEnforced(t *testing.T) {
	if _, err := crypto.Encrypt([]byte("short"), []byte("x")); !errors.Is(err, crypto.ErrInvalidKeySize) {
		t.Errorf("Encrypt with short key = %v", err)
	}
	if _, err := crypto.Decrypt(testKey, []byte{1, 2, 3}); !errors.Is(err, crypto.ErrCiphertextTooShort) {
		t.Errorf("Decrypt of truncated ciphertext = %v", err)
	}
}

func TestParseMasterKey(t *testing.T) {
	key, err := crypto.ParseMasterKey(strings.Repeat("ab", crypto.KeySize))
	if err != nil {
		t.Fatalf("ParseMasterKey: %v", err)
	}
	if len(key) != crypto.KeySize {
		t.Errorf("key length = %d", len(key))
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := crypto.ParseMasterKey(bad); err == nil {
			t.Errorf("ParseMasterKey(%q) accepted", bad)
		}
	}
}
