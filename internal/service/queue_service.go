package service

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reconcile priorities. High is used when a client is actively waiting on a stale job.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

type Queue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
	ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, maxPerLane int64) (int64, error)
}

type Lane struct {
	QueueKey      string
	ProcessingKey string
}

// redisPriorityQueue is a reliable queue of job ids awaiting reconciliation, using Redis lists.
// Lanes: high/normal/low.
// Enqueue: SADD pendingKey guards against queueing the same id twice
// Claim:   BRPOPLPUSH lane.queue -> lane.processing
// Ack:     LREM from correct processing list (stored in processingMapKey hash), SREM pendingKey
type redisPriorityQueue struct {
	rdb              *redis.Client
	processingMapKey string
	pendingKey       string

	low    Lane
	normal Lane
	high   Lane
}

func NewRedisPriorityQueue(rdb *redis.Client, processingMapKey, pendingKey string, low, normal, high Lane) Queue {
	return &redisPriorityQueue{
		rdb:              rdb,
		processingMapKey: processingMapKey,
		pendingKey:       pendingKey,
		low:              low,
		normal:           normal,
		high:             high,
	}
}

func clampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}

func (q *redisPriorityQueue) laneByPriority(p int) Lane {
	switch clampPriority(p) {
	case PriorityHigh:
		return q.high
	case PriorityNormal:
		return q.normal
	default:
		return q.low
	}
}

// Enqueue adds jobID unless it is already waiting or being reconciled.
func (q *redisPriorityQueue) Enqueue(ctx context.Context, jobID string, priority int) error {
	added, err := q.rdb.SAdd(ctx, q.pendingKey, jobID).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}

	ln := q.laneByPriority(priority)
	if err := q.rdb.LPush(ctx, ln.QueueKey, jobID).Err(); err != nil {
		_ = q.rdb.SRem(ctx, q.pendingKey, jobID).Err()
		return err
	}
	return nil
}

// ClaimBlocking tries high->normal->low with small blocking slots,
// so it is "mostly blocking" but still respects priority.
func (q *redisPriorityQueue) ClaimBlocking(ctx context.Context, timeout time.Duration) (string, error) {
	// if timeout <= 0, loop forever (like a worker daemon)
	forever := timeout <= 0
	deadline := time.Now().Add(timeout)

	slot := 1 * time.Second
	if !forever && timeout < slot {
		slot = timeout
	}

	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if !forever && time.Now().After(deadline) {
			return "", redis.Nil
		}

		for _, ln := range []Lane{q.high, q.normal, q.low} {
			wait := slot
			if !forever {
				remain := time.Until(deadline)
				if remain <= 0 {
					return "", redis.Nil
				}
				if remain < wait {
					wait = remain
				}
			}

			id, err := q.rdb.BRPopLPush(ctx, ln.QueueKey, ln.ProcessingKey, wait).Result()
			if err == nil {
				// remember which processing list holds this id (for Ack)
				if hErr := q.rdb.HSet(ctx, q.processingMapKey, id, ln.ProcessingKey).Err(); hErr != nil {
					return "", hErr
				}
				return id, nil
			}

			if errors.Is(err, redis.Nil) {
				continue
			}
			return "", err
		}
	}
}

func (q *redisPriorityQueue) Ack(ctx context.Context, jobID string) error {
	defer func() { _ = q.rdb.SRem(ctx, q.pendingKey, jobID).Err() }()

	processingKey, err := q.rdb.HGet(ctx, q.processingMapKey, jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// mapping is missing (e.g. claimed before a restart): remove from every processing list
			_ = q.rdb.LRem(ctx, q.high.ProcessingKey, 1, jobID).Err()
			_ = q.rdb.LRem(ctx, q.normal.ProcessingKey, 1, jobID).Err()
			_ = q.rdb.LRem(ctx, q.low.ProcessingKey, 1, jobID).Err()
			return nil
		}
		return err
	}

	if err := q.rdb.LRem(ctx, processingKey, 1, jobID).Err(); err != nil {
		return err
	}
	_ = q.rdb.HDel(ctx, q.processingMapKey, jobID).Err()
	return nil
}

// RequeueStale moves items from processing back to queue per lane.
// It's a simple "reaper" for claims abandoned by a crashed worker: at-least-once delivery.
func (q *redisPriorityQueue) RequeueStale(ctx context.Context, maxPerLane int64) (int64, error) {
	var moved int64

	for _, ln := range []Lane{q.high, q.normal, q.low} {
		for i := int64(0); i < maxPerLane; i++ {
			id, err := q.rdb.RPopLPush(ctx, ln.ProcessingKey, ln.QueueKey).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					break
				}
				return moved, err
			}
			if id != "" {
				moved++
				_ = q.rdb.HDel(ctx, q.processingMapKey, id).Err()
			}
		}
	}

	return moved, nil
}
