package helpers

import (
	"github.com/google/uuid"
)

// GenerateUUID returns a random identifier used to correlate log lines of one query
func GenerateUUID() string {
	return uuid.New().String()
}
