package partner

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

var saltedPrefix = []byte("Salted__")

var (
	// ErrCiphertext is returned when a payload is not a salted AES blob.
	ErrCiphertext = errors.New("partner: malformed ciphertext")
	// ErrPadding is returned when PKCS#7 padding does not verify.
	ErrPadding = errors.New("partner: invalid padding")
)

// DeriveKey turns a site secret into the passphrase the partner expects:
// the lower-case hex MD5 of the secret.
func DeriveKey(secret string) string {
	sum := md5.Sum([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// EncryptPromoCode builds the encrypted {"promo_code": code} blob for a site secret.
func EncryptPromoCode(code, secret string) (string, error) {
	payload, err := json.Marshal(struct {
		PromoCode string `json:"promo_code"`
	}{PromoCode: code})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return Encrypt(payload, DeriveKey(secret))
}

// Encrypt produces an OpenSSL-compatible "Salted__" AES-256-CBC blob, base64 encoded.
func Encrypt(plaintext []byte, passphrase string) (string, error) {
	salt := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("read salt: %w", err)
	}
	return encryptWithSalt(plaintext, passphrase, salt)
}

func encryptWithSalt(plaintext []byte, passphrase string, salt []byte) (string, error) {
	key, iv := evpBytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)

	blob := make([]byte, 0, len(saltedPrefix)+len(salt)+len(out))
	blob = append(blob, saltedPrefix...)
	blob = append(blob, salt...)
	blob = append(blob, out...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded, passphrase string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertext, err)
	}
	if len(blob) < 16+aes.BlockSize || !bytes.Equal(blob[:8], saltedPrefix) {
		return nil, ErrCiphertext
	}
	salt, body := blob[8:16], blob[16:]
	if len(body)%aes.BlockSize != 0 {
		return nil, ErrCiphertext
	}

	key, iv := evpBytesToKey([]byte(passphrase), salt, 32, aes.BlockSize)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	out := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, body)
	return pkcs7Unpad(out, aes.BlockSize)
}

// evpBytesToKey is OpenSSL's EVP_BytesToKey with MD5 and a single iteration.
func evpBytesToKey(pass, salt []byte, keyLen, ivLen int) ([]byte, []byte) {
	var (
		derived []byte
		prev    []byte
	)
	for len(derived) < keyLen+ivLen {
		h := md5.New()
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		derived = append(derived, prev...)
	}
	return derived[:keyLen], derived[keyLen : keyLen+ivLen]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, ErrPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrPadding
		}
	}
	return b[:len(b)-n], nil
}
