package raffle

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

// SelectWinner picks a ticket index in [0, n) from a timestamp.
//
// The index is keccak256(little-endian int64 timestamp), first 8 bytes read as
// a little-endian uint64, reduced mod n. The timestamp is chosen by whoever
// triggers resolution, so the result is predictable and can be steered within
// the ledger's clock granularity.
func SelectWinner(timestamp int64, n int) (int, error) {
	if n <= 0 {
		return 0, ErrNoParticipants
	}

	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(timestamp))

	h := sha3.NewLegacyKeccak256()
	h.Write(seed[:])
	sum := h.Sum(nil)

	return int(binary.LittleEndian.Uint64(sum[:8]) % uint64(n)), nil
}
