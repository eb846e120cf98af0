// Package rc4 implements the byte-swap stream cipher used by the game client,
// with support for seeding at an arbitrary keystream cursor and for rolling
// the state backwards.
//
// The standard library's crypto/rc4 hides its internal state, so it can
// neither be seeded at a given (X, Y) nor reversed.
package rc4

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// TableSize is the number of entries in the cipher permutation.
const TableSize = 256

var (
	ErrEmptySeed = errors.New("rc4: empty seed")
	ErrTableSize = errors.New("rc4: table must have 256 entries")
)

// Key is a mutable cipher state: a 256 entry table and the two cursor
// indices. Every processed byte mutates it, so a Key must not be shared
// between goroutines without external locking.
type Key struct {
	table [TableSize]byte
	x, y  byte
}

// NewKey runs the standard key schedule over seed and returns a state at the
// canonical start (X=0, Y=0).
func NewKey(seed []byte) (*Key, error) {
	if len(seed) == 0 {
		return nil, ErrEmptySeed
	}

	k := &Key{}
	for i := 0; i < TableSize; i++ {
		k.table[i] = byte(i)
	}

	var j byte
	for i := 0; i < TableSize; i++ {
		j += k.table[i] + seed[i%len(seed)]
		k.table[i], k.table[j] = k.table[j], k.table[i]
	}
	return k, nil
}

// FromTable builds a state directly from a captured table, positioned at the
// given cursor.
func FromTable(table []byte, x, y byte) (*Key, error) {
	if len(table) != TableSize {
		return nil, fmt.Errorf("%w (got %d)", ErrTableSize, len(table))
	}
	k := &Key{x: x, y: y}
	copy(k.table[:], table)
	return k, nil
}

// IsPermutation reports whether table holds every byte value exactly once,
// which is what a captured cipher table looks like.
func IsPermutation(table []byte) bool {
	if len(table) != TableSize {
		return false
	}
	var seen [TableSize]bool
	for _, b := range table {
		if seen[b] {
			return false
		}
		seen[b] = true
	}
	return true
}

func (k *Key) X() byte { return k.x }
func (k *Key) Y() byte { return k.y }

// Table returns a copy of the current permutation.
func (k *Key) Table() []byte {
	out := make([]byte, TableSize)
	copy(out, k.table[:])
	return out
}

// Copy returns an independent clone of the state.
func (k *Key) Copy() *Key {
	c := *k
	return &c
}

// CopyAt clones the table but places the clone at cursor (x, y).
func (k *Key) CopyAt(x, y byte) *Key {
	c := *k
	c.x, c.y = x, y
	return &c
}

// Equal reports whether both states would produce the same keystream.
func (k *Key) Equal(other *Key) bool {
	if other == nil {
		return false
	}
	return k.x == other.x && k.y == other.y && k.table == other.table
}

func (k *Key) next() byte {
	k.x++
	k.y += k.table[k.x]
	k.table[k.x], k.table[k.y] = k.table[k.y], k.table[k.x]
	return k.table[k.table[k.x]+k.table[k.y]]
}

// Cipher XORs buf in place with the next len(buf) keystream bytes. The
// operation is its own inverse under an identical state.
func (k *Key) Cipher(buf []byte) {
	for i := range buf {
		buf[i] ^= k.next()
	}
}

// Advance consumes n keystream bytes without emitting them.
func (k *Key) Advance(n int) {
	for i := 0; i < n; i++ {
		k.next()
	}
}

// Reverse rolls the state back by n bytes. It is the exact inverse of
// Advance(n).
func (k *Key) Reverse(n int) {
	for i := 0; i < n; i++ {
		k.table[k.x], k.table[k.y] = k.table[k.y], k.table[k.x]
		k.y -= k.table[k.x]
		k.x--
	}
}

func (k *Key) String() string {
	return fmt.Sprintf("X=%d Y=%d table=%s", k.x, k.y, hex.EncodeToString(k.table[:]))
}
