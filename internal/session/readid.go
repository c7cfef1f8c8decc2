package session

import crand "crypto/rand"

const (
	readIDSize     = 24
	readIDAlphabet = "0123456789ABCDEF"
)

// newReadID returns a 24-character token sampled uniformly from the
// hex alphabet. It needs no synchronization and no coordinated
// allocator; uniqueness is probabilistic and a registry collision is
// treated as a hard failure rather than retried.
func newReadID() string {
	var raw [readIDSize]byte
	if _, err := crand.Read(raw[:]); err != nil {
		// crypto/rand.Read on supported platforms does not fail.
		panic(err)
	}
	id := make([]byte, readIDSize)
	for i, b := range raw {
		id[i] = readIDAlphabet[int(b)%len(readIDAlphabet)]
	}
	return string(id)
}
