package admission

import (
	"errors"
	"fmt"
	"time"
)

// Reason identifies which guard rejected a request.
type Reason string

const (
	ReasonTooLarge    Reason = "too_large"
	ReasonBusy        Reason = "busy"
	ReasonRateLimited Reason = "rate_limited"
	ReasonCooldown    Reason = "cooldown"
	ReasonDailyVolume Reason = "daily_volume"
)

// ErrRejected matches every *RejectionError.
var ErrRejected = errors.New("admission rejected")

// RejectionError reports which limit was hit and by how much, so callers can
// self-correct.
type RejectionError struct {
	Reason     Reason
	Limit      int
	Current    int
	RetryAfter time.Duration
}

func (e *RejectionError) Error() string {
	switch e.Reason {
	case ReasonTooLarge:
		return fmt.Sprintf("payload of %d items exceeds the limit of %d", e.Current, e.Limit)
	case ReasonBusy:
		return fmt.Sprintf("%d of %d concurrent slots in use", e.Current, e.Limit)
	case ReasonRateLimited:
		return fmt.Sprintf("rate limit of %d requests per window reached, retry in %s", e.Limit, e.RetryAfter.Round(time.Second))
	case ReasonCooldown:
		return fmt.Sprintf("cooling down, retry in %s", e.RetryAfter.Round(time.Second))
	case ReasonDailyVolume:
		return fmt.Sprintf("daily volume of %d items would be exceeded (%d used)", e.Limit, e.Current)
	default:
		return string(e.Reason)
	}
}

func (e *RejectionError) Is(target error) bool { return target == ErrRejected }
