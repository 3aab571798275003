package cryptoutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() Key {
	k, err := ParseKeyHex("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		panic(err)
	}
	return k
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := testKey()
	cases := [][]byte{
		{},
		[]byte("hello\n"),
		make([]byte, 512),
		[]byte("exactly16bytes!!"),
	}

	for _, plaintext := range cases {
		ciphertext, err := EncryptBlock(key, plaintext)
		require.NoError(t, err)
		assert.Zero(t, len(ciphertext)%16)
		assert.GreaterOrEqual(t, len(ciphertext), 16)

		got, ok, err := DecryptBlock(key, ciphertext)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, plaintext, got)
	}
}

func TestEncrypt_ZeroByteInputProducesOnePadBlock(t *testing.T) {
	ciphertext, err := EncryptBlock(testKey(), nil)
	require.NoError(t, err)
	assert.Len(t, ciphertext, 16)
}

func TestEncrypt_FullBlockProducesFullCiphertextSize(t *testing.T) {
	ciphertext, err := EncryptBlock(testKey(), make([]byte, 512))
	require.NoError(t, err)
	assert.Len(t, ciphertext, 528)
}

func TestDecryptBlock_InvalidPaddingFallsBackLeniently(t *testing.T) {
	key := testKey()
	ciphertext, err := EncryptBlock(key, []byte("hello"))
	require.NoError(t, err)

	// Corrupt the last byte so the padding check fails.
	ciphertext[len(ciphertext)-1] ^= 0xFF

	plaintext, ok, err := DecryptBlock(key, ciphertext)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, plaintext, len(ciphertext))
}

func TestMD5File_MatchesKnownDigest(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greet.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello\n"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	digest, err := MD5File(f)
	require.NoError(t, err)
	assert.Equal(t, "b1946ac92492d2347c6235b4d2611184", hexDigest(digest))
}

func TestMD5File_RewindsHandle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = MD5File(f)
	require.NoError(t, err)

	pos, err := f.Seek(0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pos)
}

func hexDigest(d [16]byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 0, 32)
	for _, b := range d {
		out = append(out, hexdigits[b>>4], hexdigits[b&0xf])
	}
	return string(out)
}
