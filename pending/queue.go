// Package pending implements PendingRequestQueue, the single-producer,
// many-consumer structure that bridges a local "poll://..." caller to
// whichever remote polling peer next claims its request.
package pending

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/jmptrader/halibut/exchange"
	"github.com/jmptrader/halibut/internal/herrors"
	"github.com/jmptrader/halibut/message"
)

// PendingRequest pairs a RequestMessage with the single-shot cell that
// will hold its response. An entry is pending, then claimed by exactly
// one consumer, then completed; transitions only move forward.
type PendingRequest struct {
	req       *message.RequestMessage
	claimedCh chan struct{}
	respCh    chan *message.ResponseMessage

	mu        sync.Mutex
	claimed   bool
	completed bool
	elem      *list.Element
}

// Request returns the envelope this entry is waiting to deliver.
func (pr *PendingRequest) Request() *message.RequestMessage { return pr.req }

// Complete signals the entry's response cell. A no-op if already
// completed, matching ApplyResponse's idempotence contract.
func (pr *PendingRequest) Complete(resp *message.ResponseMessage) {
	pr.mu.Lock()
	if pr.completed {
		pr.mu.Unlock()
		return
	}
	pr.completed = true
	pr.mu.Unlock()
	select {
	case pr.respCh <- resp:
	default:
	}
}

// Queue is the per-subscription-URI pending request queue. Producers are
// local QueueAndWait callers; consumers are remote polling peers served
// through Dequeue/ApplyResponse.
type Queue struct {
	mu          sync.Mutex
	pendingList *list.List
	pendingByID map[string]*PendingRequest
	claimedByID map[string]*PendingRequest
	notify      chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		pendingList: list.New(),
		pendingByID: make(map[string]*PendingRequest),
		claimedByID: make(map[string]*PendingRequest),
		notify:      make(chan struct{}),
		closed:      make(chan struct{}),
	}
}

// Cancel completes every entry still waiting in QueueAndWait — pending or
// already claimed — with err, rather than letting it run to its own
// collection/response deadline. Safe to call more than once; only the
// first err takes effect.
func (q *Queue) Cancel(err error) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closeErr = err
		q.mu.Unlock()
		close(q.closed)
	})
}

// QueueAndWait enqueues req and blocks until a polling peer collects and
// answers it, a collection deadline elapses with nobody having claimed it,
// a response deadline elapses after claim, or ctx is cancelled.
func (q *Queue) QueueAndWait(ctx context.Context, req *message.RequestMessage, collectDeadline, responseDeadline time.Duration) (*message.ResponseMessage, error) {
	pr := &PendingRequest{
		req:       req,
		claimedCh: make(chan struct{}),
		respCh:    make(chan *message.ResponseMessage, 1),
	}

	q.mu.Lock()
	pr.elem = q.pendingList.PushBack(pr)
	q.pendingByID[req.RequestID] = pr
	q.signalLocked()
	q.mu.Unlock()

	collectTimer := time.NewTimer(collectDeadline)
	defer collectTimer.Stop()
	select {
	case <-pr.claimedCh:
	case <-collectTimer.C:
		q.removeUnclaimed(pr)
		return nil, herrors.Timeout(herrors.ErrCollectionTimeout)
	case <-ctx.Done():
		q.removeUnclaimed(pr)
		return nil, ctx.Err()
	case <-q.closed:
		q.removeUnclaimed(pr)
		return nil, q.closeErr
	}

	respTimer := time.NewTimer(responseDeadline)
	defer respTimer.Stop()
	select {
	case resp := <-pr.respCh:
		return resp, nil
	case <-respTimer.C:
		q.abandonClaimed(req.RequestID)
		return nil, herrors.Timeout(herrors.ErrResponseTimeout)
	case <-ctx.Done():
		q.abandonClaimed(req.RequestID)
		return nil, ctx.Err()
	case <-q.closed:
		q.abandonClaimed(req.RequestID)
		return nil, q.closeErr
	}
}

// Dequeue blocks up to maxWait for an enqueued entry, marking it claimed
// before returning it; no other consumer will ever see a claimed entry.
func (q *Queue) Dequeue(ctx context.Context, maxWait time.Duration) (exchange.PendingRequest, bool) {
	for {
		q.mu.Lock()
		elem := q.pendingList.Front()
		if elem != nil {
			pr := elem.Value.(*PendingRequest)
			q.pendingList.Remove(elem)
			delete(q.pendingByID, pr.req.RequestID)
			pr.mu.Lock()
			pr.claimed = true
			pr.mu.Unlock()
			close(pr.claimedCh)
			q.claimedByID[pr.req.RequestID] = pr
			q.mu.Unlock()
			return pr, true
		}
		notify := q.notify
		q.mu.Unlock()

		timer := time.NewTimer(maxWait)
		select {
		case <-notify:
			timer.Stop()
			continue
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			timer.Stop()
			return nil, false
		}
	}
}

// ApplyResponse completes the claimed entry for requestID. A no-op if no
// such claimed entry exists (already completed or abandoned).
func (q *Queue) ApplyResponse(requestID string, resp *message.ResponseMessage) {
	q.mu.Lock()
	pr, ok := q.claimedByID[requestID]
	if ok {
		delete(q.claimedByID, requestID)
	}
	q.mu.Unlock()
	if ok {
		pr.Complete(resp)
	}
}

func (q *Queue) signalLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *Queue) removeUnclaimed(pr *PendingRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pr.mu.Lock()
	claimed := pr.claimed
	pr.mu.Unlock()
	if claimed {
		return
	}
	q.pendingList.Remove(pr.elem)
	delete(q.pendingByID, pr.req.RequestID)
}

func (q *Queue) abandonClaimed(requestID string) {
	q.mu.Lock()
	delete(q.claimedByID, requestID)
	q.mu.Unlock()
}
