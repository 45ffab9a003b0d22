package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"jobqd/internal/kvstore"
)

const jobPrefix = "jobs"

// recordStore is the persistence mapping for Job on the key/value contract.
// Records live under "jobs/<id>" as JSON. Pure persistence: no handler
// execution, no lifecycle decisions.
type recordStore struct {
	kv kvstore.Store
}

func jobKey(id string) string { return kvstore.Key(jobPrefix, id) }

func (r *recordStore) put(ctx context.Context, j Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", j.ID, err)
	}
	return r.kv.Set(ctx, jobKey(j.ID), b)
}

func (r *recordStore) get(ctx context.Context, id string) (Job, bool, error) {
	b, ok, err := r.kv.Get(ctx, jobKey(id))
	if err != nil || !ok {
		return Job{}, false, err
	}
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return j, true, nil
}

// delete is idempotent; removing an absent record is not an error.
func (r *recordStore) delete(ctx context.Context, id string) error {
	return r.kv.Delete(ctx, jobKey(id))
}

func (r *recordStore) listAll(ctx context.Context) ([]Job, error) {
	entries, err := r.kv.List(ctx, jobPrefix+"/")
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(entries))
	for _, e := range entries {
		var j Job
		if err := json.Unmarshal(e.Value, &j); err != nil {
			return nil, fmt.Errorf("decode job at %s: %w", e.Key, err)
		}
		out = append(out, j)
	}
	return out, nil
}

// listPending returns jobs that are due at now, ordered by
// (priority desc, createdAt asc). Ties beyond that fall back to id so the
// order is stable across ticks.
func (r *recordStore) listPending(ctx context.Context, now time.Time) ([]Job, error) {
	all, err := r.listAll(ctx)
	if err != nil {
		return nil, err
	}
	due := all[:0]
	for _, j := range all {
		if j.Status == StatusPending && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(i, k int) bool {
		if due[i].Priority != due[k].Priority {
			return due[i].Priority > due[k].Priority
		}
		if !due[i].CreatedAt.Equal(due[k].CreatedAt) {
			return due[i].CreatedAt.Before(due[k].CreatedAt)
		}
		return due[i].ID < due[k].ID
	})
	return due, nil
}

// listByStatus pages through jobs in id order. cursor is the last id of the
// previous page; empty starts from the beginning.
func (r *recordStore) listByStatus(ctx context.Context, f Filter) ([]Job, error) {
	all, err := r.listAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(all))
	for _, j := range all {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Cursor != "" && j.ID <= f.Cursor {
			continue
		}
		out = append(out, j)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
