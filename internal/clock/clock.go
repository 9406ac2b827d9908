// Package clock injects time and ID generation as explicit capabilities,
// instead of every layer calling time.Now/uuid.NewString directly, so
// tests can swap in a deterministic clock and ID source.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts wall-clock reads and timer creation.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) *time.Timer
}

// System is the real Clock, backed by the standard library.
type System struct{}

func (System) Now() time.Time                     { return time.Now() }
func (System) NewTimer(d time.Duration) *time.Timer { return time.NewTimer(d) }

// IDGenerator mints opaque identifiers for call_id/session_id/transaction
// values.
type IDGenerator interface {
	NewCallID() string
	NewSessionID() string
	NewTxnID() string
}

// UUIDGenerator is the real IDGenerator, backed by google/uuid.
type UUIDGenerator struct{}

func (UUIDGenerator) NewCallID() string    { return uuid.NewString() }
func (UUIDGenerator) NewSessionID() string { return uuid.NewString() }
func (UUIDGenerator) NewTxnID() string     { return uuid.NewString() }
