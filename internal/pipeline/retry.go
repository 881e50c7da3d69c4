package pipeline

import (
	"time"

	"github.com/your-org/grapic/internal/models"
)

// RetryPolicy bounds automatic retries of failed photos. Delays[i] is the wait
// after the failure that left retry_count == i; the last delay repeats.
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Delays:      []time.Duration{5 * time.Minute, 15 * time.Minute, time.Hour},
	}
}

func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	return p.Delays[min(max(retryCount, 0), len(p.Delays)-1)]
}

// Exhausted reports whether the photo has used up its automatic retries.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxAttempts
}

// Due reports whether a failed photo may be retried automatically at now.
func (p RetryPolicy) Due(photo models.Photo, now time.Time) bool {
	if photo.Status != models.PhotoStatusError || p.Exhausted(photo.RetryCount) {
		return false
	}
	if photo.ProcessedAt == nil {
		return true
	}
	return !now.Before(photo.ProcessedAt.Add(p.Delay(photo.RetryCount)))
}
