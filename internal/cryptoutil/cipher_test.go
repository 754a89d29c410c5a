package cryptoutil

import "testing"

const testSecret = "a-test-secret-that-is-at-least-32-bytes-long"

func TestCipher_RoundTrip(t *testing.T) {
	c, err := New(testSecret)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := `{"csesidx":"abc123","cookies":["a=1","b=2"]}`
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext should not equal plaintext")
	}

	got, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestCipher_RejectsShortSecret(t *testing.T) {
	if _, err := New("too-short"); err == nil {
		t.Error("expected error for secret under 32 bytes")
	}
}

func TestCipher_StrictDecryptRejectsLegacyPlaintext(t *testing.T) {
	c, err := New(testSecret)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	if _, err := c.Decrypt("plain-unencrypted-value"); err != ErrLegacyPlaintext {
		t.Errorf("expected ErrLegacyPlaintext, got %v", err)
	}
}

func TestCipher_LegacyPassthroughOption(t *testing.T) {
	c, err := New(testSecret, WithLegacyPlaintextPassthrough(true))
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	got, err := c.Decrypt("plain-unencrypted-value")
	if err != nil {
		t.Fatalf("decrypt with passthrough: %v", err)
	}
	if got != "plain-unencrypted-value" {
		t.Errorf("expected passthrough value, got %q", got)
	}
}

func TestCipher_RejectsTamperedCiphertext(t *testing.T) {
	c, err := New(testSecret)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	ciphertext, err := c.Encrypt("secret-payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	tampered := ciphertext[:len(ciphertext)-1] + "x"
	if _, err := c.Decrypt(tampered); err != ErrCorruptCiphertext {
		t.Errorf("expected ErrCorruptCiphertext, got %v", err)
	}
}

func TestCipher_DifferentCiphersDoNotCrossDecrypt(t *testing.T) {
	c1, _ := New(testSecret)
	c2, _ := New("a-different-test-secret-thats-also-32-bytes")

	ciphertext, err := c1.Encrypt("secret-payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := c2.Decrypt(ciphertext); err != ErrCorruptCiphertext {
		t.Errorf("expected ErrCorruptCiphertext across keys, got %v", err)
	}
}
