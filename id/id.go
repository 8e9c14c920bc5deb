// Package id generates ULIDs for positions and history entries. ULIDs sort
// lexicographically by creation time, so history ordered by id is also
// ordered by time.
package id

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Source hands out strictly increasing ULIDs, even within one millisecond.
type Source struct {
	mu    sync.Mutex
	mono  io.Reader
	now   func() time.Time
	last  ulid.ULID
	fresh bool
}

// NewSource seeds a monotonic entropy source from crypto/rand. now may be nil.
func NewSource(now func() time.Time) *Source {
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if now == nil {
		now = time.Now
	}
	return &Source{
		mono: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0),
		now:  now,
	}
}

// Next returns a new id. A clock that steps backwards reuses the last
// timestamp so ids never go down.
func (s *Source) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms := ulid.Timestamp(s.now().UTC())
	if s.fresh && ms < s.last.Time() {
		ms = s.last.Time()
	}
	id, err := ulid.New(ms, s.mono)
	if err != nil {
		// Monotonic entropy overflowed within one millisecond; move on to
		// the next one.
		id = ulid.MustNew(ms+1, s.mono)
	}
	s.last, s.fresh = id, true
	return id.String()
}

var std = NewSource(nil)

// New returns an id from the process-wide source.
func New() string { return std.Next() }
