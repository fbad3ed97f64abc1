// Copyright 2016 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package jetcd

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	pb "go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
)

type (
	LeaseRevokeResponse pb.LeaseRevokeResponse
	LeaseID             int64
)

// LeaseGrantResponse wraps the protobuf message LeaseGrantResponse.
type LeaseGrantResponse struct {
	*pb.ResponseHeader
	ID    LeaseID
	TTL   int64
	Error string
}

// LeaseKeepAliveResponse wraps the protobuf message LeaseKeepAliveResponse.
type LeaseKeepAliveResponse struct {
	*pb.ResponseHeader
	ID  LeaseID
	TTL int64
}

// LeaseTimeToLiveResponse wraps the protobuf message LeaseTimeToLiveResponse.
type LeaseTimeToLiveResponse struct {
	*pb.ResponseHeader
	ID LeaseID `json:"id"`

	// TTL is the remaining TTL in seconds for the lease; the lease will expire in under TTL+1 seconds. Expired lease will return -1.
	TTL int64 `json:"ttl"`

	// GrantedTTL is the initial granted time in seconds upon lease creation/renewal.
	GrantedTTL int64 `json:"granted-ttl"`

	// Keys is the list of keys attached to this lease.
	Keys [][]byte `json:"keys"`
}

// LeaseStatus represents a lease status.
type LeaseStatus struct {
	ID LeaseID `json:"id"`
	// TODO: TTL int64
}

// LeaseLeasesResponse wraps the protobuf message LeaseLeasesResponse.
type LeaseLeasesResponse struct {
	*pb.ResponseHeader
	Leases []LeaseStatus `json:"leases"`
}

// LeaseKeepAlive is a keep-alive event delivered to a KeepAlive observer.
// Exactly one of Resp and Err is set. An event carrying Err is terminal;
// the observer channel is closed right after it is delivered.
type LeaseKeepAlive struct {
	Resp *LeaseKeepAliveResponse
	Err  error
}

const (
	// defaultTTL is the assumed lease TTL used for the first keepalive
	// deadline until the server reports the real one.
	defaultTTL = 5 * time.Second
	// NoLease is a lease ID for the absence of a lease.
	NoLease LeaseID = 0

	// retryConnWait is how long to pace keepalive sends when a renewal
	// response is overdue.
	retryConnWait = 500 * time.Millisecond
	// maxRetryBackoffWait caps the exponential backoff between unanswered
	// renewal resends.
	maxRetryBackoffWait = 4 * time.Second
)

// leaseResponseChSize is the size of buffer to store unsent lease responses.
// eg messages from the server to an observer that is slow to consume them.
const leaseResponseChSize = 16

var (
	// ErrKeepAliveAlreadyRegistered is returned by KeepAlive when the lease
	// already has an active keepalive session on this client.
	ErrKeepAliveAlreadyRegistered = errors.New("jetcd: lease keepalive already registered")

	// ErrLeaseExpired is the terminal event error when the server reports the
	// lease gone, or when no renewal succeeded within the lease TTL.
	ErrLeaseExpired = errors.New("jetcd: lease expired or revoked")

	errLessorClosed = errors.New("jetcd: lessor closed")
)

// ErrKeepAliveHalted is the terminal event error when keepalive processing
// stops without the lease being known to be expired, e.g. the stream broke or
// the client was closed. Reason carries the underlying cause.
type ErrKeepAliveHalted struct {
	Reason error
}

func (e ErrKeepAliveHalted) Error() string {
	s := "jetcd: leases keep alive halted"
	if e.Reason != nil {
		s += ": " + e.Reason.Error()
	}
	return s
}

func (e ErrKeepAliveHalted) Unwrap() error { return e.Reason }

type Lease interface {
	// Grant creates a new lease with the provided TTL in seconds.
	Grant(ctx context.Context, ttl int64) (*LeaseGrantResponse, error)

	// Revoke revokes the given lease. All keys attached to the lease will expire and be deleted.
	Revoke(ctx context.Context, id LeaseID) (*LeaseRevokeResponse, error)

	// TimeToLive retrieves the lease information of the given lease ID.
	TimeToLive(ctx context.Context, id LeaseID, opts ...LeaseOption) (*LeaseTimeToLiveResponse, error)

	// Leases retrieves all leases.
	Leases(ctx context.Context) (*LeaseLeasesResponse, error)

	// KeepAlive attempts to keep the given lease alive forever. It registers
	// an observer session for the lease and returns its event channel. The
	// engine renews the lease each time a third of its TTL elapses and
	// deposits every renewal response on the channel.
	//
	// A lease may have at most one active session per client; registering it
	// again before the first session ends fails with
	// ErrKeepAliveAlreadyRegistered.
	//
	// The channel closes after a terminal event: an event with Err set to
	// ErrLeaseExpired when the lease is gone, or to an ErrKeepAliveHalted
	// when the keepalive stream breaks or the lessor closes. Canceling ctx
	// ends the session and closes the channel without a trailing event.
	//
	// The channel has a bounded buffer. If the observer falls behind, routine
	// renewal responses are dropped; terminal events are never dropped.
	KeepAlive(ctx context.Context, id LeaseID) (<-chan LeaseKeepAlive, error)

	// KeepAliveOnce renews the lease once. The response corresponds to the
	// first message from calling KeepAlive. If the response has a zero or
	// negative TTL, the lease has expired.
	//
	// In most of the cases, Keepalive should be used instead of KeepAliveOnce.
	KeepAliveOnce(ctx context.Context, id LeaseID) (*LeaseKeepAliveResponse, error)

	// Close releases all resources Lease keeps for efficient communication
	// with the etcd server. Every active keepalive session receives a
	// terminal ErrKeepAliveHalted event and has its channel closed before
	// Close returns.
	Close() error
}

type lessor struct {
	mu sync.Mutex // guards all fields below

	remote   pb.LeaseClient
	callOpts []grpc.CallOption
	lg       *zap.Logger

	// stream is the shared keepalive stream; nil when no session is active.
	// gen increments whenever the stream is retired so stale send/recv
	// goroutines can detect they lost ownership.
	stream       pb.Lease_LeaseKeepAliveClient
	streamCancel context.CancelFunc
	gen          uint64

	keepAlives map[LeaseID]*keepAlive
	pending    map[LeaseID][]*onceWaiter

	// kickc wakes the send loop ahead of its tick, e.g. on registration.
	kickc chan struct{}

	stopCtx    context.Context
	stopCancel context.CancelFunc
	closed     bool

	// firstKeepAliveTimeout is the timeout for the first keepalive request
	// before the lessor starts reporting the lease expired.
	firstKeepAliveTimeout time.Duration
}

// keepAlive is a single lease's long-lived observer session.
type keepAlive struct {
	ch chan LeaseKeepAlive
	// donec is closed when the session leaves the registry; it stops the
	// context watcher goroutine.
	donec chan struct{}
	// nextSend is when the next renewal request is due.
	nextSend time.Time
	// deadline is when the lease is considered lost if no renewal succeeds.
	deadline time.Time
	// retries counts renewal requests sent without a response since the
	// last successful renewal.
	retries uint
}

// onceWaiter is a single-renewal caller waiting for a routed response.
type onceWaiter struct {
	c    chan LeaseKeepAlive // buffered, capacity 1
	sent bool
}

func NewLease(c *Client) Lease {
	return NewLeaseFromLeaseClient(RetryLeaseClient(c), c, c.cfg.DialTimeout+time.Second)
}

func NewLeaseFromLeaseClient(remote pb.LeaseClient, c *Client, keepAliveTimeout time.Duration) Lease {
	l := &lessor{
		remote:                remote,
		keepAlives:            make(map[LeaseID]*keepAlive),
		pending:               make(map[LeaseID][]*onceWaiter),
		kickc:                 make(chan struct{}, 1),
		lg:                    zap.NewNop(),
		firstKeepAliveTimeout: keepAliveTimeout,
	}
	if l.firstKeepAliveTimeout == time.Second {
		l.firstKeepAliveTimeout = defaultTTL
	}
	if c != nil {
		l.callOpts = c.callOpts
		l.lg = c.lg
		l.stopCtx, l.stopCancel = context.WithCancel(c.ctx)
	} else {
		l.stopCtx, l.stopCancel = context.WithCancel(context.Background())
	}
	return l
}

func (l *lessor) Grant(ctx context.Context, ttl int64) (*LeaseGrantResponse, error) {
	r := &pb.LeaseGrantRequest{TTL: ttl}
	resp, err := l.remote.LeaseGrant(ctx, r, l.callOpts...)
	if err == nil {
		gresp := &LeaseGrantResponse{
			ResponseHeader: resp.GetHeader(),
			ID:             LeaseID(resp.ID),
			TTL:            resp.TTL,
			Error:          resp.Error,
		}
		return gresp, nil
	}
	return nil, toErr(ctx, err)
}

func (l *lessor) Revoke(ctx context.Context, id LeaseID) (*LeaseRevokeResponse, error) {
	r := &pb.LeaseRevokeRequest{ID: int64(id)}
	resp, err := l.remote.LeaseRevoke(ctx, r, l.callOpts...)
	if err == nil {
		return (*LeaseRevokeResponse)(resp), nil
	}
	return nil, toErr(ctx, err)
}

func (l *lessor) TimeToLive(ctx context.Context, id LeaseID, opts ...LeaseOption) (*LeaseTimeToLiveResponse, error) {
	r := toLeaseTimeToLiveRequest(id, opts...)
	resp, err := l.remote.LeaseTimeToLive(ctx, r, l.callOpts...)
	if err != nil {
		return nil, toErr(ctx, err)
	}
	gresp := &LeaseTimeToLiveResponse{
		ResponseHeader: resp.GetHeader(),
		ID:             LeaseID(resp.ID),
		TTL:            resp.TTL,
		GrantedTTL:     resp.GrantedTTL,
		Keys:           resp.Keys,
	}
	return gresp, nil
}

func (l *lessor) Leases(ctx context.Context) (*LeaseLeasesResponse, error) {
	resp, err := l.remote.LeaseLeases(ctx, &pb.LeaseLeasesRequest{}, l.callOpts...)
	if err == nil {
		leases := make([]LeaseStatus, len(resp.Leases))
		for i := range resp.Leases {
			leases[i] = LeaseStatus{ID: LeaseID(resp.Leases[i].ID)}
		}
		return &LeaseLeasesResponse{ResponseHeader: resp.GetHeader(), Leases: leases}, nil
	}
	return nil, toErr(ctx, err)
}

func (l *lessor) KeepAlive(ctx context.Context, id LeaseID) (<-chan LeaseKeepAlive, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrKeepAliveHalted{Reason: errLessorClosed}
	}
	if _, ok := l.keepAlives[id]; ok {
		l.mu.Unlock()
		return nil, ErrKeepAliveAlreadyRegistered
	}
	if err := l.ensureStreamLocked(); err != nil {
		l.mu.Unlock()
		return nil, toErr(ctx, err)
	}
	now := time.Now()
	ka := &keepAlive{
		ch:       make(chan LeaseKeepAlive, leaseResponseChSize),
		donec:    make(chan struct{}),
		nextSend: now,
		deadline: now.Add(l.firstKeepAliveTimeout),
	}
	l.keepAlives[id] = ka
	l.mu.Unlock()

	go l.keepAliveCtxCloser(ctx, id, ka.donec)
	l.kick()

	return ka.ch, nil
}

func (l *lessor) KeepAliveOnce(ctx context.Context, id LeaseID) (*LeaseKeepAliveResponse, error) {
	w := &onceWaiter{c: make(chan LeaseKeepAlive, 1)}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrKeepAliveHalted{Reason: errLessorClosed}
	}
	if err := l.ensureStreamLocked(); err != nil {
		l.mu.Unlock()
		return nil, toErr(ctx, err)
	}
	l.pending[id] = append(l.pending[id], w)
	l.mu.Unlock()

	l.kick()

	select {
	case <-ctx.Done():
		l.removeWaiter(id, w)
		return nil, toErr(ctx, ctx.Err())
	case ev := <-w.c:
		if ev.Err != nil {
			return nil, ev.Err
		}
		if ev.Resp.TTL <= 0 {
			return nil, rpctypes.ErrLeaseNotFound
		}
		return ev.Resp, nil
	}
}

func (l *lessor) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.haltLocked(errLessorClosed)
	l.stopCancel()
	return nil
}

// ensureStreamLocked lazily establishes the shared keepalive stream and its
// send/recv goroutines. Callers must hold l.mu.
func (l *lessor) ensureStreamLocked() error {
	if l.stream != nil {
		return nil
	}
	sctx, cancel := context.WithCancel(WithRequireLeader(l.stopCtx))
	stream, err := l.remote.LeaseKeepAlive(sctx, append(l.callOpts, withMax(0))...)
	if err != nil {
		cancel()
		return err
	}
	l.gen++
	l.stream, l.streamCancel = stream, cancel

	gen := l.gen
	go l.sendKeepAliveLoop(gen, stream)
	go l.recvKeepAliveLoop(gen, stream)
	return nil
}

// retireStreamLocked tears down the current stream, invalidating its
// send/recv goroutines. Callers must hold l.mu.
func (l *lessor) retireStreamLocked() {
	l.gen++
	if l.streamCancel != nil {
		l.streamCancel()
	}
	l.stream, l.streamCancel = nil, nil
}

// haltLocked retires the stream and delivers a terminal halt event to every
// session and pending one-shot renewal. Callers must hold l.mu.
func (l *lessor) haltLocked(reason error) {
	l.retireStreamLocked()
	err := ErrKeepAliveHalted{Reason: reason}
	for id, ka := range l.keepAlives {
		l.closeSessionLocked(id, ka, err)
	}
	for id, ws := range l.pending {
		for _, w := range ws {
			w.c <- LeaseKeepAlive{Err: err}
		}
		delete(l.pending, id)
	}
}

// closeSessionLocked delivers a terminal event on the session channel, closes
// it, and removes the session from the registry. Callers must hold l.mu.
func (l *lessor) closeSessionLocked(id LeaseID, ka *keepAlive, err error) {
	ev := LeaseKeepAlive{Err: err}
	select {
	case ka.ch <- ev:
	default:
		// drop the oldest buffered response to make room; the registry
		// lock serializes all senders, so this cannot block
		select {
		case <-ka.ch:
		default:
		}
		ka.ch <- ev
	}
	close(ka.ch)
	close(ka.donec)
	delete(l.keepAlives, id)
}

// keepAliveCtxCloser ends a session when its caller context is done. The
// channel closes without a trailing event; cancellation is a deliberate
// deregistration, not a failure.
func (l *lessor) keepAliveCtxCloser(ctx context.Context, id LeaseID, donec <-chan struct{}) {
	select {
	case <-donec:
		return
	case <-l.stopCtx.Done():
		return
	case <-ctx.Done():
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	ka, ok := l.keepAlives[id]
	if !ok || ka.donec != donec {
		// the session already ended, or the id was re-registered
		return
	}
	close(ka.ch)
	close(ka.donec)
	delete(l.keepAlives, id)
}

func (l *lessor) removeWaiter(id LeaseID, w *onceWaiter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws := l.pending[id]
	for i := range ws {
		if ws[i] == w {
			l.pending[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(l.pending[id]) == 0 {
		delete(l.pending, id)
	}
}

func (l *lessor) kick() {
	select {
	case l.kickc <- struct{}{}:
	default:
	}
}

// sendKeepAliveLoop sends renewal requests for every due session and pending
// one-shot renewal, on each tick or kick, until the stream is retired.
func (l *lessor) sendKeepAliveLoop(gen uint64, stream pb.Lease_LeaseKeepAliveClient) {
	ticker := time.NewTicker(retryConnWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-l.kickc:
		case <-l.stopCtx.Done():
			return
		}

		ids, ok := l.dueRenewals(gen)
		if !ok {
			return
		}
		for _, id := range ids {
			if err := stream.Send(&pb.LeaseKeepAliveRequest{ID: int64(id)}); err != nil {
				// the recv loop observes the stream failure and
				// broadcasts it to all sessions
				l.lg.Debug("lease keepalive send failed", zap.Error(err))
				return
			}
		}
	}
}

// dueRenewals expires sessions whose renewal deadline passed and collects the
// lease IDs due for a renewal request. ok is false once the stream generation
// is retired, or when the stream went idle and was torn down.
func (l *lessor) dueRenewals(gen uint64) (ids []LeaseID, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gen != gen {
		return nil, false
	}
	if len(l.keepAlives) == 0 && len(l.pending) == 0 {
		// nothing left to renew; retire the idle stream
		l.retireStreamLocked()
		return nil, false
	}

	now := time.Now()
	for id, ka := range l.keepAlives {
		if now.After(ka.deadline) {
			// no renewal succeeded within the lease TTL
			l.closeSessionLocked(id, ka, ErrLeaseExpired)
			continue
		}
		if !now.Before(ka.nextSend) {
			// back off resends until a response resets the schedule
			ka.nextSend = now.Add(expBackoff(ka.retries, 2.0, retryConnWait, maxRetryBackoffWait))
			ka.retries++
			ids = append(ids, id)
		}
	}
	for id, ws := range l.pending {
		for _, w := range ws {
			if !w.sent {
				w.sent = true
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, true
}

// recvKeepAliveLoop routes responses from the shared stream until it fails or
// is retired. A stream failure halts every session.
func (l *lessor) recvKeepAliveLoop(gen uint64, stream pb.Lease_LeaseKeepAliveClient) {
	for {
		resp, err := stream.Recv()
		if err != nil {
			l.halt(gen, toErr(l.stopCtx, err))
			return
		}
		if !l.route(gen, resp) {
			return
		}
	}
}

func (l *lessor) halt(gen uint64, reason error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.gen != gen {
		return
	}
	l.haltLocked(reason)
}

// route dispatches a keepalive response to the lease's session and any
// pending one-shot renewals. It reports false once the stream generation is
// retired.
func (l *lessor) route(gen uint64, resp *pb.LeaseKeepAliveResponse) bool {
	karesp := &LeaseKeepAliveResponse{
		ResponseHeader: resp.GetHeader(),
		ID:             LeaseID(resp.ID),
		TTL:            resp.TTL,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.gen != gen {
		return false
	}

	for _, w := range l.pending[karesp.ID] {
		w.c <- LeaseKeepAlive{Resp: karesp}
	}
	delete(l.pending, karesp.ID)

	ka, ok := l.keepAlives[karesp.ID]
	if !ok {
		return true
	}

	if karesp.TTL <= 0 {
		// lease expired or was revoked; end the session
		l.closeSessionLocked(karesp.ID, ka, ErrLeaseExpired)
		return true
	}

	now := time.Now()
	ka.deadline = now.Add(time.Duration(karesp.TTL) * time.Second)
	ka.nextSend = now.Add(time.Duration(karesp.TTL) * time.Second / 3)
	ka.retries = 0
	select {
	case ka.ch <- LeaseKeepAlive{Resp: karesp}:
	default:
		l.lg.Warn("lease keepalive response queue is full; dropping response send",
			zap.Int("queue-size", len(ka.ch)),
			zap.Int("queue-capacity", cap(ka.ch)),
		)
	}
	return true
}
