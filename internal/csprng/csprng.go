// Package csprng wraps crypto/rand.Reader behind the io.Reader seam the
// rest of the module takes as a constructor argument, the way the teacher's
// core/crypto/rand package is threaded through key generation call sites.
// Tests substitute a deterministic reader; production code uses Reader.
package csprng

import (
	"crypto/rand"
	"io"
)

// Reader is the default cryptographically secure source.
var Reader io.Reader = rand.Reader

// MustRandom fills buf with random bytes from r, panicking on failure — the
// only acceptable use is key generation at startup, where a read failure
// means the host's entropy source is broken and continuing would be unsafe.
func MustRandom(r io.Reader, buf []byte) {
	if _, err := io.ReadFull(r, buf); err != nil {
		panic("csprng: entropy source failed: " + err.Error())
	}
}
