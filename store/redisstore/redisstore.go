// Package redisstore implements the refresh and reset ledger stores on Redis.
//
// Every state transition runs as a single Lua script, so the check and the
// write are indivisible on the server. Records are hashes keyed by id with a
// secondary hash-to-id index; refresh records are also indexed per identity.
// Keys expire RetainExpired after the record itself expires, which keeps
// expired and unknown tokens distinguishable for that window. A rotated
// refresh record lives at least as long as its newest successor.
//
// Scripts address secondary keys derived from the prefix, so all keys of one
// prefix must live on one Redis node.
package redisstore

import (
	"fmt"
	"strconv"
	"time"
)

const (
	defaultPrefix        = "cl"
	defaultRetainExpired = 24 * time.Hour
	pruneScanCount       = 200
)

// Options configures the stores.
type Options struct {
	// Prefix namespaces every key. Defaults to "cl".
	Prefix string
	// RetainExpired extends key lifetime past record expiry. Defaults to 24h.
	RetainExpired time.Duration
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = defaultPrefix
	}
	if o.RetainExpired <= 0 {
		o.RetainExpired = defaultRetainExpired
	}
	return o
}

func ms(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// keyTTL is how long a key for a record expiring at expiresAt should live,
// measured from now.
func keyTTL(expiresAt, now time.Time, retain time.Duration) int64 {
	ttl := expiresAt.Add(retain).Sub(now).Milliseconds()
	if ttl < 1000 {
		ttl = 1000
	}
	return ttl
}

func parseMillis(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", v)
	}
	return time.UnixMilli(n).UTC(), nil
}

func parseOptionalMillis(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := parseMillis(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// scriptReply splits a Lua table reply into its status code and string
// fields.
func scriptReply(result interface{}) (int64, []string, error) {
	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return 0, nil, fmt.Errorf("invalid script response")
	}
	code, ok := parts[0].(int64)
	if !ok {
		return 0, nil, fmt.Errorf("invalid script status")
	}

	fields := make([]string, 0, len(parts)-1)
	for _, part := range parts[1:] {
		switch v := part.(type) {
		case string:
			fields = append(fields, v)
		case []byte:
			fields = append(fields, string(v))
		case int64:
			fields = append(fields, strconv.FormatInt(v, 10))
		default:
			return 0, nil, fmt.Errorf("invalid script field %T", part)
		}
	}
	return code, fields, nil
}
