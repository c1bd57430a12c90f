package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MaxLen bounds client supplied correlation ids.
const MaxLen = 128

var (
	mu      sync.Mutex
	monoSrc = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// New mints a monotonic ULID for request and audit correlation.
func New() string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Now(), monoSrc).String()
}

// Acceptable reports whether a caller supplied id may be echoed into headers and logs.
func Acceptable(id string) bool {
	if id == "" || len(id) > MaxLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}
