package protocol

import (
	"crypto/sha512"
	"encoding/hex"
)

const SHA512Size = sha512.Size

func SHA512Hex(in []byte) string {
	h := sha512.Sum512(in)
	return hex.EncodeToString(h[:])
}

// Namespace is the 6 hex character address prefix owned by a transaction family.
func Namespace(family string) string {
	return SHA512Hex([]byte(family))[:6]
}
