// Package workqueue is a durable delayed task queue backed by BoltDB. It
// supports immediate and delayed enqueue; delayed re-enqueue is how retry
// backoff waits happen without occupying a worker.
package workqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks     = []byte("tasks")
	bucketScheduled = []byte("scheduled")
)

// BoltQueue implements the task queue on a local BoltDB file.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (or creates) the queue database.
func NewBoltQueue(path string) (*BoltQueue, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketScheduled} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltQueue{db: db}, nil
}

// Enqueue schedules a task for immediate execution.
func (q *BoltQueue) Enqueue(ctx context.Context, kind string, payload any) error {
	return q.EnqueueAfter(ctx, kind, payload, 0)
}

// EnqueueAfter schedules a task to run after the given delay.
func (q *BoltQueue) EnqueueAfter(ctx context.Context, kind string, payload any, delay time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}

	now := time.Now()
	task := &Task{
		ID:        uuid.New().String(),
		Kind:      kind,
		Payload:   data,
		NextRunAt: now.Add(delay),
		CreatedAt: now,
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		taskData, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
		if err := tx.Bucket(bucketTasks).Put([]byte(task.ID), taskData); err != nil {
			return fmt.Errorf("failed to store task: %w", err)
		}
		indexKey := makeIndexKey(task.NextRunAt, task.ID)
		if err := tx.Bucket(bucketScheduled).Put(indexKey, []byte(task.ID)); err != nil {
			return fmt.Errorf("failed to index task: %w", err)
		}
		return nil
	})
}

// Dequeue removes and returns the next task whose run time has arrived.
// Returns nil, nil when nothing is ready.
func (q *BoltQueue) Dequeue(ctx context.Context) (*Task, error) {
	var task *Task

	err := q.db.Update(func(tx *bolt.Tx) error {
		scheduled := tx.Bucket(bucketScheduled)
		tasks := tx.Bucket(bucketTasks)

		c := scheduled.Cursor()
		now := time.Now()

		for k, v := c.First(); k != nil; k, v = c.Next() {
			ts := parseTimestampFromKey(k)
			if ts.After(now) {
				break // all remaining are in the future
			}

			taskData := tasks.Get(v)
			if taskData == nil {
				// Task record was deleted, clean up index
				c.Delete()
				continue
			}

			var t Task
			if err := json.Unmarshal(taskData, &t); err != nil {
				c.Delete()
				tasks.Delete(v)
				continue
			}

			// Claim: remove from both buckets. Once dequeued, a task either
			// completes or is re-enqueued explicitly by its handler.
			if err := c.Delete(); err != nil {
				return err
			}
			if err := tasks.Delete(v); err != nil {
				return err
			}

			task = &t
			return nil
		}

		return nil
	})

	return task, err
}

// Stats returns queue depth counts.
func (q *BoltQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	now := time.Now()

	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketScheduled).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			stats.Scheduled++
			if !parseTimestampFromKey(k).After(now) {
				stats.Ready++
			}
		}
		return nil
	})
	return stats, err
}

// Close closes the underlying database.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// makeIndexKey creates a time-ordered index key: RFC3339Nano timestamp + ":" + id
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
