package security

import (
	"bytes"
	"testing"
)

func TestNewSecretsManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{name: "valid 32-byte key", key: make([]byte, 32), wantErr: false},
		{name: "invalid short key", key: make([]byte, 16), wantErr: true},
		{name: "invalid long key", key: make([]byte, 64), wantErr: true},
		{name: "empty key", key: []byte{}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManager() returned nil without error")
			}
		})
	}
}

func TestNewSecretsManagerFromClusterID(t *testing.T) {
	sm, err := NewSecretsManagerFromClusterID("cluster-a")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromClusterID() error = %v", err)
	}
	if sm == nil {
		t.Fatal("NewSecretsManagerFromClusterID() returned nil without error")
	}

	if _, err := NewSecretsManagerFromClusterID(""); err == nil {
		t.Error("expected error for empty cluster id")
	}
}

func TestDeriveKeyFromClusterID(t *testing.T) {
	k1 := DeriveKeyFromClusterID("cluster-a")
	k2 := DeriveKeyFromClusterID("cluster-a")
	k3 := DeriveKeyFromClusterID("cluster-b")

	if len(k1) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k1))
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same cluster id should derive the same key")
	}
	if bytes.Equal(k1, k3) {
		t.Error("different cluster ids should derive different keys")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sm, err := NewSecretsManager(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSecretsManager() error = %v", err)
	}

	plaintext := []byte("db-password-hunter2")
	ciphertext, err := sm.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should not equal plaintext")
	}

	got, err := sm.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt() = %q, want %q", got, plaintext)
	}
}

func TestEncryptProducesDistinctCiphertexts(t *testing.T) {
	sm, err := NewSecretsManager(make([]byte, 32))
	if err != nil {
		t.Fatalf("NewSecretsManager() error = %v", err)
	}

	plaintext := []byte("same-secret")
	c1, err := sm.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	c2, err := sm.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(c1, c2) {
		t.Error("two encryptions of the same plaintext should differ due to random nonce")
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	sm1, _ := NewSecretsManager(bytes.Repeat([]byte{1}, 32))
	sm2, _ := NewSecretsManager(bytes.Repeat([]byte{2}, 32))

	ciphertext, err := sm1.Encrypt([]byte("top-secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := sm2.Decrypt(ciphertext); err == nil {
		t.Error("expected error decrypting with the wrong key")
	}
}

func TestDecryptEmptyCiphertext(t *testing.T) {
	sm, _ := NewSecretsManager(make([]byte, 32))
	if _, err := sm.Decrypt(nil); err == nil {
		t.Error("expected error decrypting empty ciphertext")
	}
}

func TestDecryptTruncatedCiphertext(t *testing.T) {
	sm, _ := NewSecretsManager(make([]byte, 32))
	if _, err := sm.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("expected error decrypting a ciphertext shorter than the nonce")
	}
}
