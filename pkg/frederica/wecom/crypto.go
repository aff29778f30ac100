// Package wecom implements the WeCom (WeChat Work) side of the gateway: the
// encrypted callback protocol, the HTTP callback server that feeds the
// session registry, and the outbound message API client.
package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Sentinel errors for callback validation.
var (
	ErrSignatureMismatch = errors.New("callback signature mismatch")
	ErrInvalidCiphertext = errors.New("invalid callback ciphertext")
	ErrReceiverMismatch  = errors.New("callback receiver corp ID mismatch")
)

// Crypto implements the WeCom callback message encryption scheme:
// AES-256-CBC over a random-prefixed, length-framed plaintext, authenticated
// by a SHA-1 signature over the sorted token/timestamp/nonce/ciphertext.
type Crypto struct {
	token      string
	aesKey     []byte
	receiverID string
}

// NewCrypto builds the crypto helper from the callback token, the 43-char
// EncodingAESKey, and the corp ID the callbacks are addressed to.
func NewCrypto(token, encodingAESKey, receiverID string) (*Crypto, error) {
	if len(encodingAESKey) != 43 {
		return nil, fmt.Errorf("encoding AES key must be 43 characters, got %d", len(encodingAESKey))
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode encoding AES key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encoding AES key decodes to %d bytes, want 32", len(key))
	}
	return &Crypto{
		token:      token,
		aesKey:     key,
		receiverID: receiverID,
	}, nil
}

// Signature computes the callback signature: SHA-1 over the lexicographically
// sorted concatenation of token, timestamp, nonce and the ciphertext.
func (c *Crypto) Signature(timestamp, nonce, ciphertext string) string {
	parts := []string{c.token, timestamp, nonce, ciphertext}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a received signature in constant time.
func (c *Crypto) VerifySignature(signature, timestamp, nonce, ciphertext string) error {
	expected := c.Signature(timestamp, nonce, ciphertext)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// VerifyURL handles the callback URL verification handshake: checks the
// signature over echostr and returns the decrypted plaintext to echo back.
func (c *Crypto) VerifyURL(signature, timestamp, nonce, echostr string) (string, error) {
	if err := c.VerifySignature(signature, timestamp, nonce, echostr); err != nil {
		return "", err
	}
	plain, err := c.Decrypt(echostr)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Decrypt unwraps a base64 ciphertext and returns the embedded message.
// Plaintext layout: 16 random bytes, 4-byte big-endian message length, the
// message, then the receiver corp ID.
func (c *Crypto) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: bad base64: %v", ErrInvalidCiphertext, err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d not a block multiple", ErrInvalidCiphertext, len(raw))
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	if len(plain) < 20 {
		return nil, fmt.Errorf("%w: plaintext too short", ErrInvalidCiphertext)
	}

	msgLen := binary.BigEndian.Uint32(plain[16:20])
	if int(msgLen) > len(plain)-20 {
		return nil, fmt.Errorf("%w: framed length %d exceeds payload", ErrInvalidCiphertext, msgLen)
	}
	msg := plain[20 : 20+msgLen]
	receiver := string(plain[20+msgLen:])
	if c.receiverID != "" && receiver != c.receiverID {
		return nil, ErrReceiverMismatch
	}
	return msg, nil
}

// Encrypt wraps a message in the WeCom plaintext framing and encrypts it.
func (c *Crypto) Encrypt(msg []byte) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("generate random prefix: %w", err)
	}

	buf := make([]byte, 0, 20+len(msg)+len(c.receiverID))
	buf = append(buf, random...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg)))
	buf = append(buf, msg...)
	buf = append(buf, []byte(c.receiverID)...)
	buf = pkcs7Pad(buf, 32)

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(out, buf)

	return base64.StdEncoding.EncodeToString(out), nil
}

// pkcs7Pad pads data to a multiple of blockSize. WeCom uses 32-byte blocks.
func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty plaintext")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > 32 || padLen > len(data) {
		return nil, fmt.Errorf("invalid padding length %d", padLen)
	}
	return data[:len(data)-padLen], nil
}
