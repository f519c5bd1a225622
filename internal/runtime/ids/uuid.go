package ids

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// NewCorrelationID returns a random 128-bit identifier for one request/response
// exchange. IDs are never reused.
func NewCorrelationID() string {
	return uuid.NewString()
}

// NewTransactionID packs the unix millisecond timestamp into the high 64 bits
// and 64 random bits into the low half, so ids sort roughly by creation time.
func NewTransactionID(now time.Time) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[:8], uint64(now.UnixMilli()))
	if _, err := rand.Read(id[8:]); err != nil {
		panic(err)
	}
	return id
}

// TransactionTime recovers the timestamp stored by NewTransactionID.
func TransactionTime(id uuid.UUID) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(id[:8])))
}
