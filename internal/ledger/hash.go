package ledger

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// ContentHash returns the 0x-prefixed Keccak-256 digest of data, suitable as
// a content reference for data stored off-ledger.
func ContentHash(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return "0x" + hex.EncodeToString(h.Sum(nil))
}
