// Package servicepair implements ServicePair: the owner of the two
// Sessions that serve one namespace. See spec.md §3 and §4.3.
package servicepair

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/avatarfs/datanode/pkg/blockstore"
	"github.com/avatarfs/datanode/pkg/coordinator"
	"github.com/avatarfs/datanode/pkg/errkind"
	"github.com/avatarfs/datanode/pkg/nsproto"
	"github.com/avatarfs/datanode/pkg/scanner"
	"github.com/avatarfs/datanode/pkg/session"
	"github.com/avatarfs/datanode/pkg/storage"
	"github.com/avatarfs/datanode/pkg/upgrade"
)

// LocalLayoutVersion is the on-disk format this data node speaks. A
// handshake whose NamespaceInfo.LayoutVersion differs is a LayoutMismatch.
const LocalLayoutVersion int32 = -63

// TransferProtocolVersion is the data-transfer wire version advertised at
// register time.
const TransferProtocolVersion int32 = 28

// LocalBuildVersion is this data node's own build version, compared against
// a peer's handshake-reported BuildVersion to detect a rolling upgrade in
// progress (see pkg/upgrade).
const LocalBuildVersion = "1.0.0"

// tickInterval is the supervisor's inter-iteration sleep (spec.md §4.3
// step 4).
const tickInterval = 5 * time.Second

// Config carries a ServicePair's external collaborators and identity.
type Config struct {
	NameserviceID string
	DefaultAddr   string
	DataDir       string
	Simulated     bool

	Session0 *session.Session
	Session1 *session.Session

	Coordinator coordinator.Client
	Storage     storage.Storage
	BlockStore  blockstore.BlockStore
	Scanner     scanner.Scanner // nil if no scanner configured

	// OnFatal is invoked (in its own goroutine) when the pair hits a
	// condition from spec.md §7's fatal classes. The callback decides
	// whether to escalate to a data-node-wide shutdown (LayoutMismatch,
	// remote Unregistered/Disallowed/IncorrectVersion) or tear down only
	// this pair (InconsistentStorage).
	OnFatal func(p *ServicePair, err error)

	// RemoveSelf is called from CleanUp to remove this pair from its
	// owning NamespaceManager.
	RemoveSelf func(p *ServicePair)
}

// ServicePair owns the two Sessions serving one namespace.
type ServicePair struct {
	cfg Config

	datanodeUUID string

	namespaceID atomic.Int64

	mu            sync.Mutex
	namespaceInfo *nsproto.NamespaceInfo
	registration  *nsproto.DatanodeRegistration

	upgradeOnce    sync.Once
	upgradeManager *upgrade.Manager

	shouldRun   atomic.Bool
	initialized atomic.Bool

	primary atomic.Pointer[session.Session]

	supervisorCtx    context.Context
	supervisorCancel context.CancelFunc
	supervisorGroup  *dgroup.Group

	cleanUpOnce sync.Once
}

// New constructs a ServicePair. It does not start the supervisor; call
// Start for that.
func New(cfg Config) *ServicePair {
	p := &ServicePair{cfg: cfg, datanodeUUID: uuid.NewString()}
	p.upgradeManager = upgrade.New()
	return p
}

// NamespaceID returns the namespace id assigned at handshake, or 0 if the
// pair hasn't handshaken yet.
func (p *ServicePair) NamespaceID() int64 { return p.namespaceID.Load() }

// Initialized reports whether namespace storage has been set up and at
// least one session has registered.
func (p *ServicePair) Initialized() bool { return p.initialized.Load() }

// DataAddrKey returns the key NamespaceManager indexes this pair by: the
// data-path address of session 0.
func (p *ServicePair) DataAddrKey() string { return p.cfg.Session0.Endpoint.DataHost }

// Session0 and Session1 expose the pair's two sessions (tests and fan-out).
func (p *ServicePair) Session0() *session.Session { return p.cfg.Session0 }
func (p *ServicePair) Session1() *session.Session { return p.cfg.Session1 }

// IsPrimary reports whether s is the currently tracked primary.
func (p *ServicePair) IsPrimary(s *session.Session) bool {
	return p.primary.Load() == s
}

// SetPrimary is called by the offer-service implementation when it
// observes an authoritative primary signal. A nil value means failover is
// in progress and commands from either peer must be ignored until a new
// primary is declared.
func (p *ServicePair) SetPrimary(s *session.Session) {
	p.primary.Store(s)
}

// --- session.HandshakeCoordinator ---

func (p *ServicePair) NeedsHandshake() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.namespaceInfo == nil
}

func (p *ServicePair) RecordHandshake(ni *nsproto.NamespaceInfo) error {
	if ni.LayoutVersion != LocalLayoutVersion {
		return errkind.Newf(errkind.LayoutMismatch,
			"namespace %s: handshake layout version %d != local %d", p.cfg.NameserviceID, ni.LayoutVersion, LocalLayoutVersion)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.namespaceInfo == nil {
		p.namespaceInfo = ni
		p.namespaceID.Store(ni.NamespaceID)
	}
	p.upgradeManager.NoteVersions(LocalBuildVersion, ni.BuildVersion)
	return nil
}

func (p *ServicePair) AdoptRegistration(reg *nsproto.DatanodeRegistration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registration == nil {
		p.registration = reg
		if p.cfg.Storage.StorageID() == "" {
			if err := p.cfg.Storage.WriteAll(reg.StorageID); err != nil {
				return err
			}
		}
		return nil
	}
	if p.registration.StorageID != reg.StorageID {
		return errkind.Newf(errkind.InconsistentStorage,
			"namespace %s: register returned storage id %q, pair already adopted %q",
			p.cfg.NameserviceID, reg.StorageID, p.registration.StorageID)
	}
	return nil
}

// RegistrationSeed builds the DatanodeRegistration a session's register
// RPC advertises: the pair's current storage id (possibly still empty, on
// a first-ever register), this process's uuid, and the session's own
// transfer/admin addresses.
func (p *ServicePair) RegistrationSeed(role int) *nsproto.DatanodeRegistration {
	s := p.cfg.Session0
	if role == 1 {
		s = p.cfg.Session1
	}
	return &nsproto.DatanodeRegistration{
		StorageID:    p.cfg.Storage.StorageID(),
		DatanodeUUID: p.datanodeUUID,
		TransferAddr: s.Endpoint.DataHost,
		InfoAddr:     s.Endpoint.AdminHost,
	}
}

// --- lifecycle ---

// Start brings the pair up: spawns the supervisor goroutine that runs the
// full startup sequence and then the steady-state registration/serving
// loop (spec.md §4.3). It is idempotent; a second call on an
// already-started pair is a no-op.
func (p *ServicePair) Start(ctx context.Context) {
	if p.shouldRun.Swap(true) {
		return
	}
	p.supervisorCtx, p.supervisorCancel = context.WithCancel(ctx)
	p.supervisorGroup = dgroup.NewGroup(p.supervisorCtx, dgroup.GroupConfig{})
	p.supervisorGroup.Go("supervisor", func(ctx context.Context) error {
		return p.runSupervisor(ctx)
	})
}

func (p *ServicePair) runSupervisor(ctx context.Context) error {
	if err := p.startupSequence(ctx); err != nil {
		if errkind.Of(err) != errkind.Interrupted {
			dlog.Errorf(ctx, "namespace %s: startup failed fatally: %v", p.cfg.NameserviceID, err)
			p.fail(err)
		}
		return err
	}

	for p.shouldRun.Load() {
		if err := p.steadyStateTick(ctx); err != nil {
			if errkind.Of(err) == errkind.Interrupted {
				return nil
			}
			p.fail(err)
			return err
		}

		dtime.SleepWithContext(ctx, tickInterval)
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

// fail runs OnFatal asynchronously so CleanUp/Stop/Join (which may be
// invoked from it) never deadlock against the supervisor goroutine that
// detected the failure.
func (p *ServicePair) fail(err error) {
	p.shouldRun.Store(false)
	if p.cfg.OnFatal != nil {
		go p.cfg.OnFatal(p, err)
	}
}

// startupSequence runs spec.md §4.3 steps 1-3: primary discovery, initial
// handshake, namespace storage setup.
func (p *ServicePair) startupSequence(ctx context.Context) error {
	firstIsPrimary, secondIsPrimary, err := p.discoverPrimary(ctx)
	if err != nil {
		return err
	}

	if err := p.initialHandshake(ctx, firstIsPrimary, secondIsPrimary); err != nil {
		if errkind.Of(err) == errkind.LayoutMismatch {
			p.reportErrorBestEffort(ctx, err)
		}
		return err
	}

	return p.setupNamespaceStorage(ctx)
}

func (p *ServicePair) discoverPrimary(ctx context.Context) (firstIsPrimary, secondIsPrimary bool, err error) {
	for {
		if !p.shouldRun.Load() {
			return false, false, errkind.New(errkind.Interrupted, context.Canceled)
		}
		addr, ok, err := p.cfg.Coordinator.GetPrimary(ctx, p.cfg.DefaultAddr)
		if err != nil {
			dlog.Infof(ctx, "namespace %s: coordinator lookup failed, retrying: %v", p.cfg.NameserviceID, err)
			select {
			case <-ctx.Done():
				return false, false, errkind.New(errkind.Interrupted, ctx.Err())
			case <-time.After(2 * time.Second):
				continue
			}
		}
		if !ok {
			return false, false, nil // noPrimary
		}
		if addr == p.cfg.Session0.Endpoint.DataHost {
			return true, false, nil
		}
		if addr == p.cfg.Session1.Endpoint.DataHost {
			return false, true, nil
		}
		// Published primary matches neither known peer; treat as no primary.
		return false, false, nil
	}
}

func (p *ServicePair) initialHandshake(ctx context.Context, firstIsPrimary, secondIsPrimary bool) error {
	switch {
	case firstIsPrimary:
		ni, err := p.cfg.Session0.HandshakeRetrying(ctx)
		if err != nil {
			return err
		}
		return p.RecordHandshake(ni)
	case secondIsPrimary:
		ni, err := p.cfg.Session1.HandshakeRetrying(ctx)
		if err != nil {
			return err
		}
		return p.RecordHandshake(ni)
	default:
		return p.handshakeBothNoPrimary(ctx)
	}
}

func (p *ServicePair) handshakeBothNoPrimary(ctx context.Context) error {
	var ni0, ni1 *nsproto.NamespaceInfo
	var err0, err1 error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ni0, err0 = p.cfg.Session0.HandshakeRetrying(ctx)
	}()
	go func() {
		defer wg.Done()
		ni1, err1 = p.cfg.Session1.HandshakeRetrying(ctx)
	}()
	wg.Wait()

	if err0 != nil {
		return err0
	}
	if err1 != nil {
		return err1
	}
	if ni0.LayoutVersion != ni1.LayoutVersion {
		return errkind.Newf(errkind.LayoutMismatch,
			"namespace %s: session0 layout %d != session1 layout %d", p.cfg.NameserviceID, ni0.LayoutVersion, ni1.LayoutVersion)
	}
	if ni0.BuildVersion != ni1.BuildVersion {
		dlog.Infof(ctx, "namespace %s: build version mismatch between peers (%s vs %s), continuing", p.cfg.NameserviceID, ni0.BuildVersion, ni1.BuildVersion)
	}
	return p.RecordHandshake(ni0)
}

func (p *ServicePair) reportErrorBestEffort(ctx context.Context, cause error) {
	reg := p.RegistrationSeed(0)
	for _, s := range []*session.Session{p.cfg.Session0, p.cfg.Session1} {
		dp := s.Endpoint.DataProtocol()
		if dp == nil {
			continue
		}
		if err := dp.ErrorReport(ctx, reg, nsproto.SeverityFatal, cause.Error()); err == nil {
			return
		}
	}
}

func (p *ServicePair) setupNamespaceStorage(ctx context.Context) error {
	nsID := p.namespaceID.Load()

	if p.cfg.Simulated {
		storageID := p.cfg.Storage.StorageID()
		if storageID == "" {
			p.mu.Lock()
			ni := p.namespaceInfo
			p.mu.Unlock()
			storageID = synthesizeStorageID(ni)
			if err := p.cfg.Storage.WriteAll(storageID); err != nil {
				return err
			}
		}
	} else {
		p.cfg.Storage.Lock()
		err := func() error {
			defer p.cfg.Storage.Unlock()
			if err := p.cfg.Storage.RecoverTransitionRead(ctx); err != nil {
				return err
			}
			return p.cfg.Storage.RecoverNamespaceTransitionRead(ctx, nsID, p.cfg.DataDir)
		}()
		if err != nil {
			return err
		}
	}

	if err := p.cfg.BlockStore.AddNamespace(nsID, p.cfg.DataDir); err != nil {
		return err
	}
	if p.cfg.Scanner != nil {
		if err := p.cfg.Scanner.AddNamespace(nsID); err != nil {
			return err
		}
	}
	return nil
}

func synthesizeStorageID(ni *nsproto.NamespaceInfo) string {
	if ni == nil {
		return "simulated-DS-unknown"
	}
	return "simulated-DS-" + ni.BuildVersion
}

// steadyStateTick runs one iteration of spec.md §4.3 step 4.
func (p *ServicePair) steadyStateTick(ctx context.Context) error {
	p.reresolvePass(ctx)

	was0 := p.cfg.Session0.IsRegistered()
	was1 := p.cfg.Session1.IsRegistered()

	err0 := p.cfg.Session0.TryBringUp(ctx, p)
	if err0 != nil {
		if k := errkind.Of(err0); k.Fatal() {
			return err0
		}
		dlog.Debugf(ctx, "namespace %s: session0 bring-up: %v", p.cfg.NameserviceID, err0)
	}

	err1 := p.cfg.Session1.TryBringUp(ctx, p)
	if err1 != nil {
		if k := errkind.Of(err1); k.Fatal() {
			return err1
		}
		dlog.Debugf(ctx, "namespace %s: session1 bring-up: %v", p.cfg.NameserviceID, err1)
	}

	if k0 := errkind.Of(err0); k0 == errkind.InconsistentStorage {
		return err0
	}
	if k1 := errkind.Of(err1); k1 == errkind.InconsistentStorage {
		return err1
	}

	becameRegistered := (!was0 && p.cfg.Session0.IsRegistered()) || (!was1 && p.cfg.Session1.IsRegistered())
	if becameRegistered {
		p.initialized.Store(true)
		p.upgradeManager.StartIfNeeded()
	} else if p.upgradeManager.Upgrading() {
		// A rolling upgrade is in progress: don't wait for this pair's own
		// first registration to bring the upgrade manager up.
		p.upgradeManager.StartIfNeeded()
	}
	return nil
}

func (p *ServicePair) reresolvePass(ctx context.Context) {
	now := dtime.Now()
	for _, s := range []*session.Session{p.cfg.Session0, p.cfg.Session1} {
		if !s.Endpoint.ReresolveEligible(now) {
			continue
		}
		s.Stop()
		_ = s.Join()
		if _, err := s.Endpoint.MaybeReresolve(ctx, now); err != nil {
			dlog.Debugf(ctx, "namespace %s: re-resolve failed: %v", p.cfg.NameserviceID, err)
		}
	}
}

// --- fan-out ---

// NotifyReceived delivers to both sessions' offer workers (a newly elected
// primary may need either); silently ignored by a session not SERVING.
func (p *ServicePair) NotifyReceived(blockID, deleteHint string) {
	p.cfg.Session0.EnqueueReceived(blockID, deleteHint)
	p.cfg.Session1.EnqueueReceived(blockID, deleteHint)
}

// NotifyDeleted delivers to both sessions.
func (p *ServicePair) NotifyDeleted(blockID string) {
	p.cfg.Session0.EnqueueDeleted(blockID)
	p.cfg.Session1.EnqueueDeleted(blockID)
}

// ReportBadBlocks delivers to both sessions.
func (p *ServicePair) ReportBadBlocks(blockIDs []string) {
	p.cfg.Session0.EnqueueBadBlocks(blockIDs)
	p.cfg.Session1.EnqueueBadBlocks(blockIDs)
}

// SyncBlock delivers to whichever session is currently primary and returns
// it, or nil if neither is primary.
func (p *ServicePair) SyncBlock(blockID string) *session.Session {
	s := p.primary.Load()
	if s == nil {
		return nil
	}
	s.EnqueueSyncBlock(blockID)
	return s
}

// ScheduleBlockReport delivers to both sessions.
func (p *ServicePair) ScheduleBlockReport(delay time.Duration) {
	p.cfg.Session0.EnqueueScheduleBlockReport(delay)
	p.cfg.Session1.EnqueueScheduleBlockReport(delay)
}

// --- shutdown ---

// Stop clears shouldRun, stops both sessions in parallel, and shuts down
// the coordinator client. Non-blocking. Idempotent.
func (p *ServicePair) Stop() {
	p.shouldRun.Store(false)
	if p.supervisorCancel != nil {
		p.supervisorCancel()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); p.cfg.Session0.Stop() }()
	go func() { defer wg.Done(); p.cfg.Session1.Stop() }()
	wg.Wait()
	_ = p.cfg.Coordinator.Close()
}

// Join joins both sessions then the supervisor. Idempotent.
func (p *ServicePair) Join() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = p.cfg.Session0.Join() }()
	go func() { defer wg.Done(); _ = p.cfg.Session1.Join() }()
	wg.Wait()
	if p.supervisorGroup != nil {
		_ = p.supervisorGroup.Wait()
	}
}

// CleanUp shuts down the upgrade manager, removes this pair from its
// owning NamespaceManager, and best-effort tears down scanner/block-store/
// on-disk state. Each teardown failure is logged, not re-thrown.
// Idempotent: invoked both from the supervisor's terminal path and from
// the data node's stopAll.
func (p *ServicePair) CleanUp(ctx context.Context) {
	p.cleanUpOnce.Do(func() {
		ctx = dcontext.WithoutCancel(ctx)
		p.upgradeManager.Shutdown()
		if p.cfg.RemoveSelf != nil {
			p.cfg.RemoveSelf(p)
		}

		var errs *multierror.Error
		nsID := p.namespaceID.Load()
		if p.cfg.Scanner != nil {
			if err := p.cfg.Scanner.RemoveNamespace(nsID); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if err := p.cfg.BlockStore.RemoveNamespace(nsID); err != nil {
			errs = multierror.Append(errs, err)
		}
		if err := p.cfg.Storage.RemoveNamespaceStorage(nsID); err != nil {
			errs = multierror.Append(errs, err)
		}
		if errs != nil {
			dlog.Errorf(ctx, "namespace %s: cleanup errors (non-fatal): %v", p.cfg.NameserviceID, errs)
		}
	})
}
