// Package cryptoutil implements the AES-128-CBC payload encryption and the
// end-of-transfer MD5 integrity check layered onto the stftp data stream.
//
// Both primitives are deliberately built on the standard library: Go's
// crypto/aes, crypto/cipher, and crypto/md5 are the idiomatic, audited
// choice for block-cipher and digest primitives, and nothing in the
// teacher's or the retrieval pack's dependency stacks (bcrypt, md4,
// aes-ctr-drbg, prng-chacha) targets AES-CBC or MD5 — see DESIGN.md.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// KeySize is the AES-128 key size in bytes.
const KeySize = 16

// Key is the shared, compiled-in AES-128 key. The shared-key-out-of-band
// model and the constant zero IV below are preserved from spec.md §4.2 as a
// deliberate, documented weakness, not an oversight.
type Key [KeySize]byte

// zeroIV is the constant initialization vector shared by both endpoints.
// Every DATA block is encrypted independently starting from this IV, so a
// lost or duplicated block never desynchronizes the stream.
var zeroIV = make([]byte, aes.BlockSize)

var ErrBadPadding = errors.New("cryptoutil: invalid PKCS#7 padding")

// ParseKeyHex decodes a 32-character hex string into a Key.
func ParseKeyHex(s string) (Key, error) {
	var k Key
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("cryptoutil: decode key hex: %w", err)
	}
	if len(raw) != KeySize {
		return k, fmt.Errorf("cryptoutil: key must be %d bytes, got %d", KeySize, len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// EncryptBlock pads plaintext with PKCS#7 to a multiple of the AES block
// size and encrypts it under AES-128-CBC with the constant zero IV.
// Plaintext of length 0 still produces a full 16-byte pad block, matching
// the terminal-block convention in spec.md §4.2.
func EncryptBlock(key Key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(block, zeroIV)
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptBlock reverses EncryptBlock. If the PKCS#7 padding on the
// decrypted plaintext is invalid, it returns the full decrypted buffer
// unsliced and ok=false — a deliberately lenient fallback per spec.md
// §4.2; callers should log an integrity warning rather than abort.
func DecryptBlock(key Key, ciphertext []byte) (plaintext []byte, ok bool, err error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, false, fmt.Errorf("cryptoutil: ciphertext length %d is not a positive multiple of %d", len(ciphertext), aes.BlockSize)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, false, fmt.Errorf("cryptoutil: new cipher: %w", err)
	}

	decrypted := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, zeroIV)
	mode.CryptBlocks(decrypted, ciphertext)

	unpadded, ok := pkcs7Unpad(decrypted)
	if !ok {
		return decrypted, false, nil
	}
	return unpadded, true, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates that the final byte N satisfies 1 <= N <= blockSize
// and that the last N bytes all equal N.
func pkcs7Unpad(data []byte) ([]byte, bool) {
	if len(data) == 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n < 1 || n > aes.BlockSize || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}

// StreamBufferSize is the chunk size used when hashing a file for the
// VERIFY digest.
const StreamBufferSize = 1024

// MD5File computes the MD5 digest of f from offset 0 to EOF, reading
// StreamBufferSize bytes at a time, then rewinds f back to offset 0 so
// subsequent reads are unaffected.
func MD5File(f *os.File) ([16]byte, error) {
	var digest [16]byte

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest, fmt.Errorf("cryptoutil: seek to start: %w", err)
	}

	h := md5.New()
	buf := make([]byte, StreamBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return digest, fmt.Errorf("cryptoutil: hash file: %w", err)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return digest, fmt.Errorf("cryptoutil: rewind after hash: %w", err)
	}

	copy(digest[:], h.Sum(nil))
	return digest, nil
}
