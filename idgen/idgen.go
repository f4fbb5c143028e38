// Package idgen mints the gateway's own identifiers: short trace ids for
// inbound requests and sortable ids for observability rows. Upstream ids
// (claims, notes, tasks) are never generated here.
package idgen

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NanoID returns a Generator of lowercase base-36 ids of the given length.
// Random bytes at or above the largest multiple of 36 are discarded so every
// symbol is equally likely.
func NanoID(length int) Generator {
	const limit = 256 - 256%len(base36)
	return func() string {
		out := make([]byte, 0, length)
		buf := make([]byte, length+length/4+1)
		for len(out) < length {
			if _, err := rand.Read(buf); err != nil {
				panic("idgen: crypto/rand: " + err.Error())
			}
			for _, b := range buf {
				if int(b) >= limit {
					continue
				}
				out = append(out, base36[int(b)%len(base36)])
				if len(out) == length {
					break
				}
			}
		}
		return string(out)
	}
}

// UUIDv7 returns a Generator of RFC 9562 version 7 UUIDs. They sort by
// creation time, which keeps event rows in insertion order.
func UUIDv7() Generator {
	return func() string { return uuid.Must(uuid.NewV7()).String() }
}

// Prefixed prepends prefix to every id from gen ("evt_", "trc_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string { return prefix + gen() }
}

// Default backs New.
var Default Generator = UUIDv7()

// New returns an id from Default.
func New() string { return Default() }
