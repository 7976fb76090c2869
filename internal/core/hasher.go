package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"

	"github.com/google/uuid"
)

const idempotencySeed = "EnergyLedger:settlement:v1"

// IdempotencyKey derives the key that ties one settlement attempt to its
// chain transaction:
//
//	key = hex(SHA-256(seed || kind || offer || party || units_le || attempt))
//
// The attempt UUID makes a fresh operation distinct from a retry of the
// same attempt, which reuses the stored key.
func IdempotencyKey(kind, offerID, party string, units int64, attempt uuid.UUID) string {
	hasher := sha256.New()
	hasher.Write([]byte(idempotencySeed))
	writeField(hasher, kind)
	writeField(hasher, offerID)
	writeField(hasher, party)

	var unitsBuf [8]byte
	binary.LittleEndian.PutUint64(unitsBuf[:], uint64(units))
	hasher.Write(unitsBuf[:])
	hasher.Write(attempt[:])

	return hex.EncodeToString(hasher.Sum(nil))
}

// writeField length-prefixes s so adjacent fields cannot run together.
func writeField(w interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	w.Write(lenBuf[:])
	w.Write([]byte(s))
}
