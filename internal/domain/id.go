package domain

import (
	"strconv"

	"github.com/google/uuid"
)

// NewRequestID generates a UUIDv7 idempotency key for enqueue requests that
// did not supply one.
func NewRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ParseJobID parses a job id given on the command line.
func ParseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrValidation("invalid job id %q", s)
	}
	return id, nil
}
