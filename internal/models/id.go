package models

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func NewID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, ulid.Make().String())
}

// NewTraceID returns a correlation id. Every retry gets a fresh one.
func NewTraceID() string {
	return uuid.NewString()
}
