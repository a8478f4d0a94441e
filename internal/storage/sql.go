package storage

import (
	"strings"
	"throttle/internal/models"
	"time"
)

// Schema and queries shared by the relational backends. Times are stored as
// Unix milliseconds taken from the gateway clock, never from the database,
// so every backend resets windows at the same instants.
const (
	counterSchemaSQL = `CREATE TABLE IF NOT EXISTS rate_limit_counters (
	counter_key  TEXT PRIMARY KEY,
	hits         BIGINT NOT NULL DEFAULT 0,
	usage_ms     BIGINT NOT NULL DEFAULT 0,
	window_start BIGINT NOT NULL,
	expires_at   BIGINT NOT NULL
)`

	counterIndexSQL = `CREATE INDEX IF NOT EXISTS rate_limit_counters_expires_at_idx
	ON rate_limit_counters (expires_at)`

	// $1 key, $2 hit increment, $3 usage increment, $4 now, $5 now + window.
	// A row whose window closed at or before now is reset before the
	// increment, inside the same statement.
	consumeSQL = `INSERT INTO rate_limit_counters AS c (counter_key, hits, usage_ms, window_start, expires_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (counter_key) DO UPDATE SET
	hits         = CASE WHEN c.expires_at <= $4 THEN excluded.hits ELSE c.hits + excluded.hits END,
	usage_ms     = CASE WHEN c.expires_at <= $4 THEN excluded.usage_ms ELSE c.usage_ms + excluded.usage_ms END,
	window_start = CASE WHEN c.expires_at <= $4 THEN excluded.window_start ELSE c.window_start END,
	expires_at   = CASE WHEN c.expires_at <= $4 THEN excluded.expires_at ELSE c.expires_at END
RETURNING hits, usage_ms, expires_at`

	deleteExpiredSQL = `DELETE FROM rate_limit_counters WHERE expires_at <= $1`
)

// sqliteQuery rewrites $N placeholders to SQLite's ?N form.
func sqliteQuery(q string) string {
	return strings.ReplaceAll(q, "$", "?")
}

// consumeArgs returns the positional arguments for consumeSQL.
func consumeArgs(policy models.Policy, key string, now time.Time, elapsed *time.Duration) []any {
	var hits, usageMs int64 = 1, 0
	if elapsed != nil {
		hits = 0
		usageMs = elapsed.Milliseconds()
	}
	nowMs := now.UnixMilli()
	return []any{key, hits, usageMs, nowMs, nowMs + policy.Window().Milliseconds()}
}

// rowRate builds the Rate for a consumeSQL result row.
func rowRate(policy models.Policy, key string, now time.Time, hits, usageMs, expiresAtMs int64) models.Rate {
	reset := time.Duration(expiresAtMs-now.UnixMilli()) * time.Millisecond
	if reset < 0 {
		reset = 0
	}
	return models.Rate{
		Key:            key,
		Remaining:      policy.Limit - hits,
		RemainingQuota: policy.Quota - time.Duration(usageMs)*time.Millisecond,
		Reset:          reset,
	}
}
