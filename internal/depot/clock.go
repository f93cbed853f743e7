package depot

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so license and session logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts unique ID generation (session IDs, file IDs) so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random version 4 UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }
