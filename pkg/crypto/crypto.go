// Package crypto holds the primitive operations the captcha protocol is
// built from: credential generation, HMAC signing, the P-256 ECDH + HKDF
// session derivation, and AES-256-GCM payload sealing.
//
// All comparisons of secrets or MACs go through ConstantTimeEquals. Callers
// never compare digests with bytes.Equal.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SitekeyBytes is the entropy behind a public sitekey (base64url on the wire).
	SitekeyBytes = 16
	// SecretkeyBytes is the entropy behind a secret key (hex on the wire, 64 chars).
	SecretkeyBytes = 32
	// GCMNonceSize is the AES-GCM IV length in bytes (96 bits).
	GCMNonceSize = 12
	// GCMTagSize is the AES-GCM authentication tag length in bytes (128 bits).
	GCMTagSize = 16
)

// ErrCryptoFailure is the single error surfaced for any AEAD open failure.
// Deliberately generic: the caller must not learn whether the IV, tag, or
// key was wrong.
var ErrCryptoFailure = errors.New("crypto failure")

// GenerateKeyPair mints a sitekey/secretkey credential pair.
// The sitekey is safe to embed in widgets; the secretkey is not.
func GenerateKeyPair() (sitekey, secretkey string, err error) {
	pub, err := RandomBytes(SitekeyBytes)
	if err != nil {
		return "", "", err
	}
	sec, err := RandomBytes(SecretkeyBytes)
	if err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(pub), hex.EncodeToString(sec), nil
}

// RandomBytes returns n bytes from the platform CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random: %w", err)
	}
	return b, nil
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// HMACSHA256 returns the HMAC-SHA256 of data under key.
func HMACSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// ConstantTimeEquals reports whether a and b are equal without leaking
// position information through timing. Length mismatch returns false in
// constant time relative to the contents.
func ConstantTimeEquals(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ECDHGenerate creates an ephemeral P-256 key pair. P-256 is the one curve
// browsers expose through Web Crypto, so the widget side interoperates
// without a polyfill.
func ECDHGenerate() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 key: %w", err)
	}
	return priv, nil
}

// ParseECDHPublicKey parses a raw uncompressed P-256 point (65 bytes,
// 0x04-prefixed) as exported by Web Crypto.
func ParseECDHPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return pub, nil
}

// ECDHDeriveBits computes the 32-byte shared secret between priv and peer.
func ECDHDeriveBits(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) ([]byte, error) {
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return shared, nil
}

// HKDFSHA256 runs extract-then-expand over ikm and returns length bytes.
func HKDFSHA256(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}

// AESGCMEncrypt seals plaintext under a 32-byte key with a fresh random
// 96-bit IV and returns (ciphertext, iv, tag) separately, matching the wire
// payload shape {ciphertext, iv, tag}.
func AESGCMEncrypt(key, aad, plaintext []byte) (ciphertext, iv, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("gcm mode: %w", err)
	}
	iv, err = RandomBytes(GCMNonceSize)
	if err != nil {
		return nil, nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - GCMTagSize
	return sealed[:split], iv, sealed[split:], nil
}

// AESGCMDecrypt opens a (ciphertext, iv, tag) triple. Any failure, including
// a single flipped bit anywhere in the inputs, yields ErrCryptoFailure.
func AESGCMDecrypt(key, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	if len(iv) != GCMNonceSize || len(tag) != GCMTagSize {
		return nil, ErrCryptoFailure
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return plaintext, nil
}

// Base64Encode encodes with standard padding, the widget's default.
func Base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Base64Decode decodes standard-padded base64.
func Base64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
