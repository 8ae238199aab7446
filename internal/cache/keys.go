package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobSnapshotKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:snapshot:%s", jobID)
}

func JobCancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:cancel:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
