package models

import "time"

// Rate is the state of one policy's counter after a consumption.
//
// Remaining and RemainingQuota may be negative: a negative value means the
// consumption that produced this Rate went over the threshold. Fields for a
// threshold the policy does not define are meaningless and must not be
// surfaced.
type Rate struct {
	Key            string        `json:"key"`
	Remaining      int64         `json:"remaining"`
	RemainingQuota time.Duration `json:"remaining_quota"`
	Reset          time.Duration `json:"reset"` // Time until the window ends
}

// LimitExceeded reports whether the policy's request limit was exceeded.
func (r Rate) LimitExceeded(p Policy) bool {
	return p.HasLimit() && r.Remaining < 0
}

// QuotaExceeded reports whether the policy's time quota was exceeded.
func (r Rate) QuotaExceeded(p Policy) bool {
	return p.HasQuota() && r.RemainingQuota < 0
}

// Exceeded reports whether either threshold was exceeded.
func (r Rate) Exceeded(p Policy) bool {
	return r.LimitExceeded(p) || r.QuotaExceeded(p)
}

// CounterRecord is the persisted state behind a key. Stores own it; the
// engine never sees one.
type CounterRecord struct {
	Key         string
	Count       int64
	Usage       time.Duration
	WindowStart time.Time
	ExpiresAt   time.Time
}

// NewCounterRecord opens a fresh window starting at now.
func NewCounterRecord(key string, now time.Time, window time.Duration) *CounterRecord {
	return &CounterRecord{
		Key:         key,
		WindowStart: now,
		ExpiresAt:   now.Add(window),
	}
}

// Expired reports whether the window has closed at now.
func (c *CounterRecord) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Consume applies one consumption at now. A nil elapsed counts one request;
// a non-nil elapsed adds handling time to the usage without counting a
// request. An expired window is reset first.
func (c *CounterRecord) Consume(now time.Time, window time.Duration, elapsed *time.Duration) {
	if c.Expired(now) {
		c.Count = 0
		c.Usage = 0
		c.WindowStart = now
		c.ExpiresAt = now.Add(window)
	}
	if elapsed == nil {
		c.Count++
		return
	}
	c.Usage += *elapsed
}

// Rate projects the record onto a policy at now.
func (c *CounterRecord) Rate(p Policy, now time.Time) Rate {
	reset := c.ExpiresAt.Sub(now)
	if reset < 0 {
		reset = 0
	}
	return Rate{
		Key:            c.Key,
		Remaining:      p.Limit - c.Count,
		RemainingQuota: p.Quota - c.Usage,
		Reset:          reset,
	}
}
