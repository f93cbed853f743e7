package testutil

import (
	"crypto/md5"
	"encoding/hex"
	"math/rand"
)

// MD5Hex returns the MD5 of data as a lowercase hex string, the chunk hash format.
func MD5Hex(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// Bytes returns n deterministic pseudo-random bytes derived from seed.
func Bytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}
