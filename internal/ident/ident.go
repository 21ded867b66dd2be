// Package ident generates the opaque ids the server hands out: lock handles,
// reader ids and task ids.
package ident

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a random 128 bit id, hex encoded.
func New() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand only fails if the OS entropy source is broken
		panic(err)
	}

	return hex.EncodeToString(b[:])
}
