package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 计算字节序列的 xxhash64
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// HashCodeParts hashes several byte slices as if they were concatenated.
func HashCodeParts(parts ...[]byte) uint64 {
	h := xxhash.New64()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum64()
}
