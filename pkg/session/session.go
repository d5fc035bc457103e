// Package session implements one data-node-to-one-metadata-server
// long-lived session: handshake, register, run the offer-service worker,
// and stop/restart. See spec.md §4.2.
//
// Each Session owns exactly one Endpoint and, while SERVING, exactly one
// offer-service worker, supervised with dgroup the same way the teacher's
// agent.TalkToManager supervises its manager-communication goroutines
// (cmd/traffic/cmd/agent/client.go).
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/avatarfs/datanode/internal/retry"
	"github.com/avatarfs/datanode/pkg/endpoint"
	"github.com/avatarfs/datanode/pkg/errkind"
	"github.com/avatarfs/datanode/pkg/nsproto"
	"github.com/avatarfs/datanode/pkg/offerservice"
)

// State is the Session's position in the IDLE -> ... -> SERVING -> STOPPING
// state machine from spec.md §4.2.
type State int32

const (
	StateIdle State = iota
	StateConnected
	StateRegistered
	StateServing
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnected:
		return "CONNECTED"
	case StateRegistered:
		return "REGISTERED"
	case StateServing:
		return "SERVING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// HandshakeCoordinator is implemented by the owning ServicePair. It
// supplies the cross-session policy a single Session cannot decide alone:
// whether a handshake is still needed for the pair, how to record one, and
// how to adopt-or-verify a registration against the pair's storage id.
type HandshakeCoordinator interface {
	// NeedsHandshake reports whether the pair still lacks a NamespaceInfo.
	NeedsHandshake() bool

	// RecordHandshake verifies and stores a handshake result. A non-nil
	// error here is fatal for the pair (e.g. errkind.LayoutMismatch).
	RecordHandshake(ni *nsproto.NamespaceInfo) error

	// AdoptRegistration adopts reg as the pair's registration if this is
	// the first session to register, otherwise verifies reg is consistent
	// with the already-adopted registration. A non-nil error is
	// errkind.InconsistentStorage.
	AdoptRegistration(reg *nsproto.DatanodeRegistration) error
}

// Session is one data-node<->metadata-server session.
type Session struct {
	Role     int // 0 or 1, identifying which of the pair's two peers this is
	Endpoint *endpoint.Endpoint

	transferProtocolVersion int32
	newRegistration         func() *nsproto.DatanodeRegistration
	newOfferService         func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService

	mu       sync.Mutex
	state    State
	groupCtx context.Context
	cancel   context.CancelFunc
	group    *dgroup.Group
	offer    offerservice.OfferService

	registered atomic.Bool
	serving    atomic.Bool
}

// New constructs a Session. newOfferService builds the per-session offer
// worker lazily, once registration has succeeded, so that the worker is
// always handed live proxies.
func New(role int, ep *endpoint.Endpoint, transferProtocolVersion int32,
	newRegistration func() *nsproto.DatanodeRegistration,
	newOfferService func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService,
) *Session {
	return &Session{
		Role:                    role,
		Endpoint:                ep,
		transferProtocolVersion: transferProtocolVersion,
		newRegistration:         newRegistration,
		newOfferService:         newOfferService,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsRegistered reports whether the register RPC has succeeded at least once
// since the last Restart.
func (s *Session) IsRegistered() bool { return s.registered.Load() }

// IsServing reports whether the offer-service worker is currently alive.
// Invariant: IsServing() implies IsRegistered().
func (s *Session) IsServing() bool { return s.serving.Load() }

// TryBringUp idempotently walks IDLE -> SERVING. If already SERVING it
// returns immediately. TryBringUp never performs a handshake itself: the
// pair's initial handshake (including the no-primary double-handshake and
// build-version comparison of spec.md §4.3 steps 1-2) is owned entirely by
// ServicePair.startupSequence, which calls HandshakeRetrying/RecordHandshake
// directly before any session is ever brought up this way. By the time
// TryBringUp runs (steady-state re-bring-up after a restart), hc already
// has a recorded handshake, so TryBringUp only needs to (re)register and
// (re)start the offer worker.
func (s *Session) TryBringUp(ctx context.Context, hc HandshakeCoordinator) error {
	if s.IsServing() {
		return nil
	}

	if err := s.Endpoint.EnsureProxies(ctx); err != nil {
		return err
	}
	s.setState(StateConnected)

	if !s.IsRegistered() {
		if err := s.registerOnce(ctx, hc); err != nil {
			return err
		}
	}

	return s.startOfferWorker(ctx)
}

// Handshake performs a single VersionRequest RPC against this session's
// endpoint. Retryable connect/timeout errors are the caller's concern; this
// method makes exactly one attempt.
func (s *Session) Handshake(ctx context.Context) (*nsproto.NamespaceInfo, error) {
	dp := s.Endpoint.DataProtocol()
	if dp == nil {
		return nil, errkind.Newf(errkind.Unreachable, "session role %d: proxies not live", s.Role)
	}
	return dp.VersionRequest(ctx)
}

// HandshakeRetrying dials the endpoint's proxies (if not yet live) and then
// calls Handshake, looping under the retry policy described in spec.md §4.3
// step 2: Unreachable-class dial failures mark the endpoint for
// re-resolution and retry; Timeout is retried without re-resolving; other
// errors are logged and retried. The loop exits when ctx is done.
func (s *Session) HandshakeRetrying(ctx context.Context) (*nsproto.NamespaceInfo, error) {
	var result *nsproto.NamespaceInfo
	err := retry.Do(ctx, retry.Options{}, func(ctx context.Context) error {
		if err := s.Endpoint.EnsureProxies(ctx); err != nil {
			dlog.Infof(ctx, "session role %d: dial failed (%s): %v", s.Role, errkind.Of(err), err)
			return err
		}
		ni, err := s.Handshake(ctx)
		if err != nil {
			dlog.Infof(ctx, "session role %d: handshake failed (%s): %v", s.Role, errkind.Of(err), err)
			return err
		}
		result = ni
		return nil
	})
	return result, err
}

// registerOnce performs a single register RPC and adopts/verifies the
// result with hc. On success it marks the session REGISTERED and flips
// registered to true.
func (s *Session) registerOnce(ctx context.Context, hc HandshakeCoordinator) error {
	dp := s.Endpoint.DataProtocol()
	if dp == nil {
		return errkind.Newf(errkind.Unreachable, "session role %d: proxies not live", s.Role)
	}
	reg, err := dp.Register(ctx, s.newRegistration(), s.transferProtocolVersion)
	if err != nil {
		return err
	}
	if err := hc.AdoptRegistration(reg); err != nil {
		return err
	}
	s.registered.Store(true)
	s.setState(StateRegistered)
	return nil
}

// startOfferWorker spawns the offer-service worker if it isn't already
// running. Invariant: offerRunning implies registered, enforced by the
// IsRegistered check above in TryBringUp's caller path.
func (s *Session) startOfferWorker(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateServing {
		return nil
	}

	dp := s.Endpoint.DataProtocol()
	ap := s.Endpoint.AdminProtocol()
	offer := s.newOfferService(ctx, dp, ap)

	groupCtx, cancel := context.WithCancel(ctx)
	group := dgroup.NewGroup(groupCtx, dgroup.GroupConfig{})
	group.Go("offer", func(ctx context.Context) error {
		return offer.Run(ctx)
	})

	s.groupCtx = groupCtx
	s.cancel = cancel
	s.group = group
	s.offer = offer
	s.state = StateServing
	s.serving.Store(true)
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state < st || st == StateStopping {
		s.state = st
	}
	s.mu.Unlock()
}

// Stop transitions to STOPPING, tears down proxies, and signals the offer
// worker to exit. It does not block for the worker to finish; call Join
// for that. Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	s.state = StateStopping
	cancel := s.cancel
	s.mu.Unlock()

	s.Endpoint.CloseProxies()
	if cancel != nil {
		cancel()
	}
}

// Join blocks until the offer worker (if any) has exited, then moves a
// STOPPING session back to IDLE. Idempotent.
func (s *Session) Join() error {
	s.mu.Lock()
	group := s.group
	s.mu.Unlock()
	var err error
	if group != nil {
		err = group.Wait()
	}

	s.mu.Lock()
	s.group = nil
	s.offer = nil
	if s.state == StateStopping {
		s.state = StateIdle
	}
	s.mu.Unlock()
	s.serving.Store(false)
	return err
}

// Restart stops, joins, and clears registered so the session becomes
// eligible for a fresh bring-up on the supervisor's next tick.
func (s *Session) Restart(ctx context.Context) error {
	s.Stop()
	err := s.Join()
	s.registered.Store(false)
	s.setState(StateIdle)
	return err
}

// EnqueueReceived delivers a block-received notification to the offer
// worker if it is running; otherwise it is silently dropped (the worker
// replays pending state on re-registration, per the offer subsystem's own
// recovery protocol, out of scope here).
func (s *Session) EnqueueReceived(blockID string, deleteHint string) {
	s.withOffer(func(o offerservice.OfferService) { o.EnqueueReceived(blockID, deleteHint) })
}

// EnqueueDeleted delivers a block-deleted notification, same drop policy.
func (s *Session) EnqueueDeleted(blockID string) {
	s.withOffer(func(o offerservice.OfferService) { o.EnqueueDeleted(blockID) })
}

// EnqueueBadBlocks delivers a bad-block report, same drop policy.
func (s *Session) EnqueueBadBlocks(blockIDs []string) {
	s.withOffer(func(o offerservice.OfferService) { o.EnqueueBadBlocks(blockIDs) })
}

// EnqueueSyncBlock delivers a sync-block command, same drop policy.
func (s *Session) EnqueueSyncBlock(blockID string) {
	s.withOffer(func(o offerservice.OfferService) { o.EnqueueSyncBlock(blockID) })
}

// EnqueueScheduleBlockReport asks the offer worker to send an out-of-band
// block report after delay, same drop policy.
func (s *Session) EnqueueScheduleBlockReport(delay time.Duration) {
	s.withOffer(func(o offerservice.OfferService) { o.EnqueueScheduleBlockReport(delay) })
}

func (s *Session) withOffer(f func(offerservice.OfferService)) {
	s.mu.Lock()
	offer := s.offer
	serving := s.state == StateServing
	s.mu.Unlock()
	if serving && offer != nil {
		f(offer)
	}
}
