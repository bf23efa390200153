package storage

import (
	"testing"
)

func TestAESGCMEncryptor(t *testing.T) {
	// 测试不同大小的密钥
	testCases := []struct {
		name    string
		keySize int
	}{
		{"AES-128", 16},
		{"AES-192", 24},
		{"AES-256", 32},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			key := make([]byte, tc.keySize)
			for i := range key {
				key[i] = byte(i)
			}

			encryptor, err := NewAESGCMEncryptor(key)
			if err != nil {
				t.Fatalf("Failed to create encryptor: %v", err)
			}

			plaintext := "This is a secret note"
			sealed, err := encryptor.EncryptToString([]byte(plaintext))
			if err != nil {
				t.Fatalf("Failed to encrypt: %v", err)
			}
			if sealed == plaintext {
				t.Error("Ciphertext should be different from plaintext")
			}

			decrypted, err := encryptor.DecryptFromString(sealed)
			if err != nil {
				t.Fatalf("Failed to decrypt: %v", err)
			}
			if string(decrypted) != plaintext {
				t.Errorf("Decrypted text doesn't match original: got %s, want %s", decrypted, plaintext)
			}
		})
	}
}

func TestAESGCMEncryptorInvalidKey(t *testing.T) {
	for _, key := range [][]byte{[]byte("short"), []byte("waytoolongkey"), nil} {
		if _, err := NewAESGCMEncryptor(key); err == nil {
			t.Errorf("Expected error for key of size %d", len(key))
		}
	}
	if _, err := NewPassphraseEncryptor(""); err == nil {
		t.Error("Expected error for empty passphrase")
	}
}

func TestPassphraseEncryptorRejectsWrongKey(t *testing.T) {
	a, err := NewPassphraseEncryptor("correct horse")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := NewPassphraseEncryptor("battery staple")

	sealed, err := a.EncryptToString([]byte("diary"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.DecryptFromString(sealed); err == nil {
		t.Error("Expected decryption with the wrong passphrase to fail")
	}
	if _, err := a.DecryptFromString("!!not base64"); err == nil {
		t.Error("Expected error for invalid base64")
	}
}
