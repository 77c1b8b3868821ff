package session

import "crypto/rand"

// idAlphabet has 64 URL-safe characters, so each random byte maps
// uniformly with a mask.
const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

// IDLen is the fixed session id length on the wire.
const IDLen = 8

// NewID generates an 8-character session id with a crypto RNG.
func NewID() string {
	var b [IDLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("session: crypto rand unavailable: " + err.Error())
	}
	for i := range b {
		b[i] = idAlphabet[b[i]&63]
	}
	return string(b[:])
}
