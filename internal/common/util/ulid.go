package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropy     = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	entropyLock sync.Mutex
)

// NewULID returns a new lower-cased ULID. Ids generated by one process sort in creation order.
func NewULID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}

// IsULID reports whether s parses as a ULID, ignoring case.
func IsULID(s string) bool {
	_, err := ulid.Parse(strings.ToUpper(s))
	return err == nil
}
