package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultRunHistory = 50
	runTTL            = 7 * 24 * time.Hour
)

// RunLog keeps the most recent distribution outcomes of one contract.
// Entries carry no key material.
type RunLog struct {
	client *Client
	name   string
	limit  int64
}

// NewRunLog creates a run log for the named contract.
func NewRunLog(client *Client, name string) *RunLog {
	return &RunLog{client: client, name: name, limit: defaultRunHistory}
}

// Record pushes an outcome to the head of the log and trims the tail.
func (r *RunLog) Record(ctx context.Context, outcome any) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	key := runsKey(r.client.prefix, r.name)
	pipe := r.client.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, r.limit-1)
	pipe.Expire(ctx, key, runTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// Recent returns up to n outcomes, newest first.
func (r *RunLog) Recent(ctx context.Context, n int64) ([]json.RawMessage, error) {
	if n <= 0 || n > r.limit {
		n = r.limit
	}
	vals, err := r.client.rdb.LRange(ctx, runsKey(r.client.prefix, r.name), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange failed: %w", err)
	}
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(v)
	}
	return out, nil
}
