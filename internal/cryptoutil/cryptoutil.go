// Copyright (C) 2026 Argus Authors. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cryptoutil implements the agent's signature and encoding
// primitives: HMAC-SHA1 signing, the heartbeat body cipher (AES-ECB
// under a PKCS7-like pad), and base16/base64url helpers. The algorithm
// is ported from the original cloud_signature.cpp, byte for byte,
// including its "always pad a full block" PKCS7 edge case.
package cryptoutil

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// HmacSha1 returns the raw 20-byte HMAC-SHA1 digest of message under key.
func HmacSha1(key, message []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// HmacSha1Hex returns HmacSha1 encoded as lower-case hex, the form used
// in the metric-upload Authorization header.
func HmacSha1Hex(key, message []byte) string {
	return EncodeBase16Lower(HmacSha1(key, message))
}

// EncodeBase16Lower is lower-case base16 (hex) encoding.
func EncodeBase16Lower(b []byte) string {
	return hex.EncodeToString(b)
}

// DecodeBase16 decodes base16 regardless of case; upper and lower hex
// digits are treated as equivalent.
func DecodeBase16(s string) ([]byte, error) {
	return hex.DecodeString(strings.ToLower(s))
}

// EncodeBase64URL / DecodeBase64URL implement the agent's base64url
// codec (RFC4648 §5, unpadded — the heartbeat secret and the Calculate
// ciphertext both travel without "=" padding).
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func DecodeBase64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// MD5Hex returns the lower-case hex MD5 digest of data.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// MD5Raw returns the raw 16-byte MD5 digest, as used for the
// Content-MD5 header (itself base64-encoded by the caller).
func MD5Raw(data []byte) [16]byte {
	return md5.Sum(data)
}

// SigningHeaders is the minimal header set SigningString needs: it only
// cares about headers whose name contains "x-cms" (case-sensitive)
// plus the four named fields.
type SigningHeaders map[string]string

// SigningString assembles the deterministic signing string the control
// plane expects for a metric-upload request:
//
//	POST \n
//	<Content-MD5> \n
//	<Content-Type> \n
//	<Date> \n
//	<every header whose name contains "x-cms", ascending byte order of name, "name:value\n">
//	<URL path component>
//
// with no trailing newline after the path.
func SigningString(contentMD5, contentType, date, path string, headers SigningHeaders) string {
	var names []string
	for name := range headers {
		if strings.Contains(name, "x-cms") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("POST")
	b.WriteString("\n")
	b.WriteString(contentMD5)
	b.WriteString("\n")
	b.WriteString(contentType)
	b.WriteString("\n")
	b.WriteString(date)
	b.WriteString("\n")
	for _, name := range names {
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(headers[name])
		b.WriteString("\n")
	}
	b.WriteString(path)
	return b.String()
}

// Authorization builds the "<accessKeyId>:<hex-hmac>" Authorization
// header value for a metric upload request.
func Authorization(accessKeyID, accessSecret, signingString string) string {
	digest := HmacSha1([]byte(accessSecret), []byte(signingString))
	return fmt.Sprintf("%s:%s", accessKeyID, EncodeBase16Lower(digest))
}

// Calculate implements the heartbeat-body signing scheme:
//
//  1. password := base64url-decode(secret)
//  2. mac := HMAC-SHA1(password, content)
//  3. plaintext := "hello world:" + mac
//  4. ciphertext := AES-ECB-encrypt(plaintext, password) with PKCS7-like
//     padding where each pad byte equals the remaining block size — even
//     when the input is already a block multiple, a full extra block of
//     padding is still appended (this mirrors the original ECB-PKCS7
//     implementation and is intentional, not an off-by-one).
//  5. result := base64url(ciphertext)
//
// Only 16/24/32-byte keys are accepted; any other length is an error.
func Calculate(content, secret string) (string, error) {
	password, err := DecodeBase64URL(secret)
	if err != nil {
		return "", fmt.Errorf("calculate: decode secret: %w", err)
	}

	mac := HmacSha1(password, []byte(content))
	plaintext := append([]byte("hello world:"), mac...)

	ciphertext, err := aesECBEncryptPKCS7(plaintext, password)
	if err != nil {
		return "", fmt.Errorf("calculate: %w", err)
	}
	return EncodeBase64URL(ciphertext), nil
}

// aesECBEncryptPKCS7 pads src to a block boundary (always adding a full
// block if src is already a multiple of the block size) and encrypts it
// block-by-block with ECB mode under key. Only 16/24/32-byte keys are
// accepted.
func aesECBEncryptPKCS7(src, key []byte) ([]byte, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid key length %d (want 16, 24, or 32)", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()

	padding := bs - len(src)%bs
	padded := make([]byte, len(src)+padding)
	copy(padded, src)
	for i := len(src); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	out := make([]byte, len(padded))
	for off := 0; off < len(padded); off += bs {
		block.Encrypt(out[off:off+bs], padded[off:off+bs])
	}
	return out, nil
}

// Base32Encode returns the unpadded standard base32 encoding of b. It
// is not part of the signed-protocol surface, and nothing else in this
// module calls it.
func Base32Encode(b []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b)
}
