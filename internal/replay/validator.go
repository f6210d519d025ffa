package replay

import (
	"fmt"
	"time"

	"github.com/pranaynidhi/ST5062CEM-CW2/internal/protocol"
)

// DefaultTolerance is the maximum accepted distance between a message
// timestamp and the collector clock, in either direction
const DefaultTolerance = 60 * time.Second

// Reason classifies a rejected header
type Reason int

const (
	StaleOrFutureTimestamp Reason = iota + 1
	ReplayedNonce
)

func (r Reason) String() string {
	switch r {
	case StaleOrFutureTimestamp:
		return "stale_or_future_timestamp"
	case ReplayedNonce:
		return "replayed_nonce"
	default:
		return "unknown"
	}
}

// Rejection is returned by Validate for a header that must not be processed
type Rejection struct {
	Reason   Reason
	SenderID string
	Nonce    string
	// Skew is now minus the message timestamp
	Skew time.Duration
}

// Sentinels for errors.Is matching on the reason only
var (
	ErrStaleOrFutureTimestamp = &Rejection{Reason: StaleOrFutureTimestamp}
	ErrReplayedNonce          = &Rejection{Reason: ReplayedNonce}
)

func (r *Rejection) Error() string {
	switch r.Reason {
	case StaleOrFutureTimestamp:
		return fmt.Sprintf("%s: sender %q skew %s", r.Reason, r.SenderID, r.Skew)
	default:
		return fmt.Sprintf("%s: sender %q nonce %s", r.Reason, r.SenderID, r.Nonce)
	}
}

// Is matches any Rejection with the same reason
func (r *Rejection) Is(target error) bool {
	t, ok := target.(*Rejection)
	return ok && t.Reason == r.Reason
}

// Validator checks message freshness and nonce uniqueness
type Validator struct {
	cache     *Cache
	tolerance time.Duration

	// Now is the clock used for timestamp checks
	Now func() time.Time
}

// NewValidator creates a validator backed by cache. A non-positive tolerance
// selects DefaultTolerance.
func NewValidator(cache *Cache, tolerance time.Duration) *Validator {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &Validator{
		cache:     cache,
		tolerance: tolerance,
		Now:       time.Now,
	}
}

// Tolerance returns the accepted clock skew
func (v *Validator) Tolerance() time.Duration {
	return v.tolerance
}

// Cache returns the nonce cache the validator records into
func (v *Validator) Cache() *Cache {
	return v.cache
}

// Validate returns nil if h is fresh and its nonce has not been seen for
// the sender, otherwise a *Rejection. An accepted nonce is recorded before
// Validate returns; a header rejected for its timestamp is not recorded.
func (v *Validator) Validate(h protocol.Header) error {
	now := v.Now()
	skew := now.Sub(time.Unix(h.Timestamp, 0))
	if skew > v.tolerance || skew < -v.tolerance {
		return &Rejection{
			Reason:   StaleOrFutureTimestamp,
			SenderID: h.SenderID,
			Nonce:    h.Nonce,
			Skew:     skew,
		}
	}

	if !v.cache.CheckAndRecord(h.SenderID, h.Nonce) {
		return &Rejection{
			Reason:   ReplayedNonce,
			SenderID: h.SenderID,
			Nonce:    h.Nonce,
			Skew:     skew,
		}
	}
	return nil
}
