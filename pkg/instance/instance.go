package instance

import (
	"os"
	"sync"

	"github.com/google/uuid"
)

var (
	once sync.Once
	id   uuid.UUID
)

// ID returns the identity of this server instance, stable for the process
// lifetime. Plugin log entries and coordination locks carry it so restarts
// are visible. INSTANCE_ID overrides it when it parses as a UUID.
func ID() uuid.UUID {
	once.Do(func() {
		if v := os.Getenv("INSTANCE_ID"); v != "" {
			if parsed, err := uuid.Parse(v); err == nil {
				id = parsed
				return
			}
		}
		id = uuid.New()
	})
	return id
}
