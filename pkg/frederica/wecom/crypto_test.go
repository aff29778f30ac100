package wecom

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testAESKey(t *testing.T) string {
	t.Helper()
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return base64.RawStdEncoding.EncodeToString(raw)
}

func newTestCrypto(t *testing.T, receiverID string) *Crypto {
	t.Helper()
	c, err := NewCrypto("callback-token", testAESKey(t), receiverID)
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	return c
}

func TestNewCryptoRejectsBadKey(t *testing.T) {
	t.Parallel()
	if _, err := NewCrypto("tok", "too-short", "corp"); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewCrypto("tok", strings.Repeat("!", 43), "corp"); err == nil {
		t.Fatal("expected error for non-base64 key")
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	t.Parallel()
	c := newTestCrypto(t, "corp123")

	msg := []byte("<xml><Content>hello there</Content></xml>")
	ciphertext, err := c.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plain, err := c.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plain) != string(msg) {
		t.Fatalf("roundtrip mismatch: got %q want %q", plain, msg)
	}
}

func TestDecryptRejectsWrongReceiver(t *testing.T) {
	t.Parallel()
	key := testAESKey(t)
	sender, err := NewCrypto("tok", key, "other-corp")
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}
	receiver, err := NewCrypto("tok", key, "my-corp")
	if err != nil {
		t.Fatalf("NewCrypto: %v", err)
	}

	ciphertext, err := sender.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(ciphertext); !errors.Is(err, ErrReceiverMismatch) {
		t.Fatalf("expected ErrReceiverMismatch, got %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	t.Parallel()
	c := newTestCrypto(t, "corp")

	cases := []struct {
		name  string
		input string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"too short", base64.StdEncoding.EncodeToString([]byte("tiny"))},
		{"wrong key material", base64.StdEncoding.EncodeToString(make([]byte, 64))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Decrypt(tc.input); err == nil {
				t.Fatal("expected decrypt error")
			}
		})
	}
}

func TestSignatureVerification(t *testing.T) {
	t.Parallel()
	c := newTestCrypto(t, "corp")

	sig := c.Signature("1700000000", "nonce-1", "ciphertext-blob")
	if err := c.VerifySignature(sig, "1700000000", "nonce-1", "ciphertext-blob"); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := c.VerifySignature(sig, "1700000001", "nonce-1", "ciphertext-blob"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
	if err := c.VerifySignature("deadbeef", "1700000000", "nonce-1", "ciphertext-blob"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyURL(t *testing.T) {
	t.Parallel()
	c := newTestCrypto(t, "corp")

	echostr, err := c.Encrypt([]byte("echo-payload-42"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	sig := c.Signature("1700000000", "n", echostr)

	plain, err := c.VerifyURL(sig, "1700000000", "n", echostr)
	if err != nil {
		t.Fatalf("VerifyURL: %v", err)
	}
	if plain != "echo-payload-42" {
		t.Fatalf("echo mismatch: got %q", plain)
	}

	if _, err := c.VerifyURL("bad-sig", "1700000000", "n", echostr); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}
