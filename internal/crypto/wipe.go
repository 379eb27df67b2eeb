package crypto

import (
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites b with zeros. Best effort: Go may have copied the data elsewhere.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	zero := make([]byte, len(b))
	subtle.ConstantTimeCopy(1, b, zero)
	runtime.KeepAlive(b)
}
