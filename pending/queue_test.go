package pending

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
)

func newReq(id string) *message.RequestMessage {
	return message.NewRequestMessage("", message.NewEndpoint("poll://SQ-A", ""), "IEchoService", "SayHello", []any{"Paul"})
}

func TestQueueAndWaitDeliversResponse(t *testing.T) {
	q := NewQueue()
	req := newReq("r1")

	done := make(chan struct{})
	var gotResp *message.ResponseMessage
	var gotErr error
	go func() {
		gotResp, gotErr = q.QueueAndWait(context.Background(), req, time.Second, time.Second)
		close(done)
	}()

	pr, ok := q.Dequeue(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, req.RequestID, pr.Request().RequestID)

	q.ApplyResponse(req.RequestID, message.NewResultResponse(req.RequestID, "Paul..."))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("QueueAndWait did not return")
	}
	require.NoError(t, gotErr)
	require.Equal(t, "Paul...", gotResp.Result)
}

// TestQueueAndWaitCollectionTimeout exercises the literal collection-timeout
// scenario: nothing ever dequeues the request before its collect deadline.
func TestQueueAndWaitCollectionTimeout(t *testing.T) {
	q := NewQueue()
	req := newReq("r2")

	_, err := q.QueueAndWait(context.Background(), req, 20*time.Millisecond, time.Second)
	require.Error(t, err)
	require.True(t, errors.Is(err, herrors.ErrCollectionTimeout))

	// The abandoned entry must not still be sitting in the queue.
	_, ok := q.Dequeue(context.Background(), 10*time.Millisecond)
	require.False(t, ok)
}

// TestQueueAndWaitResponseTimeout exercises a claim with no completion.
func TestQueueAndWaitResponseTimeout(t *testing.T) {
	q := NewQueue()
	req := newReq("r3")

	go func() {
		pr, ok := q.Dequeue(context.Background(), time.Second)
		require.True(t, ok)
		_ = pr
		// Never completes.
	}()

	_, err := q.QueueAndWait(context.Background(), req, time.Second, 20*time.Millisecond)
	require.Error(t, err)
	require.True(t, errors.Is(err, herrors.ErrResponseTimeout))
}

// TestApplyResponseIsIdempotent guards against a slow/duplicate deliverer
// completing an entry twice.
func TestApplyResponseIsIdempotent(t *testing.T) {
	q := NewQueue()
	req := newReq("r4")

	done := make(chan struct{})
	go func() {
		q.QueueAndWait(context.Background(), req, time.Second, time.Second)
		close(done)
	}()

	pr, ok := q.Dequeue(context.Background(), time.Second)
	require.True(t, ok)

	q.ApplyResponse(req.RequestID, message.NewResultResponse(req.RequestID, "first"))
	q.ApplyResponse(req.RequestID, message.NewResultResponse(req.RequestID, "second"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("QueueAndWait did not return")
	}
	_ = pr
}

// TestCancelUnblocksWaitingAndClaimedCallers covers runtime.Dispose's use
// of Cancel: a caller still waiting to be collected, and a caller already
// claimed but not yet answered, must both return immediately with the
// cancellation error instead of running out their own deadlines.
func TestCancelUnblocksWaitingAndClaimedCallers(t *testing.T) {
	q := NewQueue()
	cancelErr := errors.New("runtime shutting down")

	// Enqueue and claim the first request before the second is even
	// enqueued, so Dequeue unambiguously claims this one.
	claimedReq := newReq("claimed")
	claimedDone := make(chan error, 1)
	go func() {
		_, err := q.QueueAndWait(context.Background(), claimedReq, time.Minute, time.Minute)
		claimedDone <- err
	}()
	pr, ok := q.Dequeue(context.Background(), time.Second)
	require.True(t, ok)
	require.Equal(t, claimedReq.RequestID, pr.Request().RequestID)

	// Now enqueue a second request that nobody ever claims.
	waitingDone := make(chan error, 1)
	go func() {
		_, err := q.QueueAndWait(context.Background(), newReq("waiting"), time.Minute, time.Minute)
		waitingDone <- err
	}()
	time.Sleep(20 * time.Millisecond) // give it time to reach the wait select

	q.Cancel(cancelErr)

	select {
	case err := <-waitingDone:
		require.Equal(t, cancelErr, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller was not unblocked by Cancel")
	}
	select {
	case err := <-claimedDone:
		require.Equal(t, cancelErr, err)
	case <-time.After(2 * time.Second):
		t.Fatal("claimed caller was not unblocked by Cancel")
	}

	// A second Cancel call must not panic (closing a closed channel).
	require.NotPanics(t, func() { q.Cancel(errors.New("ignored")) })
}

func TestDequeueTimesOutWhenEmpty(t *testing.T) {
	q := NewQueue()
	_, ok := q.Dequeue(context.Background(), 20*time.Millisecond)
	require.False(t, ok)
}
