package ratelimit

import (
	"testing"
	"throttle/internal/models"
	"throttle/internal/storage"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeaderSuffix(t *testing.T) {
	assert.Equal(t, "rate-limit-application_serviceB_serviceB-0_127.0.0.1",
		HeaderSuffix("rate-limit-application:serviceB:serviceB-0:127.0.0.1"))
	assert.Equal(t, "rl_svc_p_10.0.0.0_22", HeaderSuffix("rl:svc:p:10.0.0.0/22"))
	assert.Equal(t, "rl_svc_p_", HeaderSuffix("rl:svc:p::"), "doubled separators collapse")
	assert.Equal(t, "rl_svc_p_2001_db8__64", HeaderSuffix("rl:svc:p:2001:db8::/64"), "one pass only")
}

func TestProject(t *testing.T) {
	limitOnly := Result{
		Match: Match{Policy: models.Policy{ID: "l", Limit: 10}, Key: "k:l"},
		Rate:  models.Rate{Key: "k:l", Remaining: 7, Reset: 1500 * time.Millisecond},
	}
	quotaOnly := Result{
		Match: Match{Policy: models.Policy{ID: "q", Quota: 30 * time.Second}, Key: "k:q"},
		Rate:  models.Rate{Key: "k:q", RemainingQuota: 12500 * time.Millisecond, Reset: 20 * time.Second},
	}

	t.Run("emits headers per threshold", func(t *testing.T) {
		p := Project(Decision{Results: []Result{limitOnly, quotaOnly}, Verdict: Accept}, true)

		assert.Equal(t, map[string]string{
			"X-RateLimit-Limit-k_l":           "10",
			"X-RateLimit-Remaining-k_l":       "7",
			"X-RateLimit-Reset-k_l":           "1500",
			"X-RateLimit-Quota-k_q":           "30",
			"X-RateLimit-Remaining-Quota-k_q": "12",
			"X-RateLimit-Reset-k_q":           "20000",
		}, p.Headers)
		assert.Equal(t, Accept, p.Verdict)
		assert.Zero(t, p.RetryAfter)
	})

	t.Run("floors negative values at zero", func(t *testing.T) {
		over := limitOnly
		over.Rate.Remaining = -3
		overQuota := quotaOnly
		overQuota.Rate.RemainingQuota = -time.Second

		p := Project(Decision{Results: []Result{over, overQuota}, Verdict: Reject}, true)
		assert.Equal(t, "0", p.Headers["X-RateLimit-Remaining-k_l"])
		assert.Equal(t, "0", p.Headers["X-RateLimit-Remaining-Quota-k_q"])
		assert.Equal(t, Reject, p.Verdict)
		assert.Equal(t, 20*time.Second, p.RetryAfter, "retry after the latest exceeded window")
	})

	t.Run("sub-second quotas round up", func(t *testing.T) {
		tests := []struct {
			quota     time.Duration
			remaining time.Duration
			wantQuota string
			wantLeft  string
		}{
			{500 * time.Millisecond, 300 * time.Millisecond, "1", "0"},
			{1500 * time.Millisecond, 1200 * time.Millisecond, "2", "1"},
			{2 * time.Second, 2 * time.Second, "2", "2"},
		}
		for _, tt := range tests {
			r := Result{
				Match: Match{Policy: models.Policy{ID: "q", Quota: tt.quota}, Key: "k:q"},
				Rate:  models.Rate{Key: "k:q", RemainingQuota: tt.remaining, Reset: time.Second},
			}
			p := Project(Decision{Results: []Result{r}, Verdict: Accept}, true)
			assert.Equal(t, tt.wantQuota, p.Headers["X-RateLimit-Quota-k_q"], "quota %v", tt.quota)
			assert.Equal(t, tt.wantLeft, p.Headers["X-RateLimit-Remaining-Quota-k_q"], "remaining %v", tt.remaining)
		}
	})

	t.Run("headers can be disabled", func(t *testing.T) {
		over := limitOnly
		over.Rate.Remaining = -1

		p := Project(Decision{Results: []Result{over}, Verdict: Reject}, false)
		assert.Empty(t, p.Headers)
		assert.Equal(t, Reject, p.Verdict)
		assert.Equal(t, 1500*time.Millisecond, p.RetryAfter)
	})

	t.Run("failed results emit nothing", func(t *testing.T) {
		failed := Result{Match: limitOnly.Match, Err: storage.ErrUnavailable}

		p := Project(Decision{Results: []Result{failed}, Verdict: Reject}, true)
		assert.Empty(t, p.Headers)
		assert.Equal(t, time.Second, p.RetryAfter)
	})
}
