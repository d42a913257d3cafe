package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"groundchat/pkg/domain"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, jobID, documentID := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, jobID, documentID); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != jobID || got.Values["document_id"] != documentID {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, jobID, documentID := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, jobID, documentID); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, string, string) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "doc-1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, job.ID, job.DocumentID
}

func newTestQueue(t *testing.T, maxRetries int) *RedisJobQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:ingest",
		Group:      "workers",
		MaxRetries: maxRetries,
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, q *RedisJobQueue, jobID, status string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		job, ok, err := q.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if ok && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _, _ := q.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, status, job)
	return JobStatus{}
}

func TestStartProcessesJobsEnqueuedBeforeWorkers(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "doc-42")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var seen atomic.Value
	done := q.Start(ctx, 2, func(_ context.Context, j JobStatus) error {
		seen.Store(j.DocumentID)
		return nil
	})
	got := waitForStatus(t, q, job.ID, StatusDone)
	if got.Attempts != 1 || seen.Load() != "doc-42" {
		t.Fatalf("unexpected job %+v seen=%v", got, seen.Load())
	}
	cancel()
	<-done
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	q := newTestQueue(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := q.Start(ctx, 1, func(context.Context, JobStatus) error {
		calls.Add(1)
		return fmt.Errorf("%w: notes.txt", domain.ErrUnsupportedFormat)
	})
	job, err := q.Enqueue(ctx, "doc-bad")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitForStatus(t, q, job.ID, StatusFailed)
	if calls.Load() != 1 || got.Attempts != 1 {
		t.Fatalf("expected a single attempt, calls=%d job=%+v", calls.Load(), got)
	}
	cancel()
	<-done
}

func TestTransientErrorIsRetried(t *testing.T) {
	q := newTestQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	done := q.Start(ctx, 1, func(context.Context, JobStatus) error {
		if calls.Add(1) < 2 {
			return fmt.Errorf("%w: %v", domain.ErrEmbedding, errors.New("timeout"))
		}
		return nil
	})
	job, err := q.Enqueue(ctx, "doc-flaky")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitForStatus(t, q, job.ID, StatusDone)
	if got.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %+v", got)
	}
	cancel()
	<-done
}

func TestTransientErrorGivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := q.Start(ctx, 1, func(context.Context, JobStatus) error {
		return fmt.Errorf("%w: connection refused", domain.ErrIndex)
	})
	job, err := q.Enqueue(ctx, "doc-down")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got := waitForStatus(t, q, job.ID, StatusFailed)
	if got.Attempts != 2 || got.ErrorMessage == "" {
		t.Fatalf("unexpected job %+v", got)
	}
	cancel()
	<-done
}

func TestEnqueueRequiresDocumentID(t *testing.T) {
	q := newTestQueue(t, 1)
	if _, err := q.Enqueue(context.Background(), "  "); err == nil {
		t.Fatal("expected error for empty document id")
	}
}
