package types

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// PayloadHash returns the hex BLAKE2b-256 digest of a turn payload. Text is
// normalized first so trivially different phrasings of the same words hash
// alike; audio bytes are hashed as-is.
func PayloadHash(text string, audio []byte) string {
	// New256 only fails for keys longer than 64 bytes.
	h, _ := blake2b.New256(nil)
	h.Write([]byte(NormalizeText(text)))
	h.Write([]byte{0})
	h.Write(audio)
	return hex.EncodeToString(h.Sum(nil))
}
