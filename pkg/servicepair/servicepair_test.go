package servicepair

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatarfs/datanode/pkg/blockstore"
	"github.com/avatarfs/datanode/pkg/coordinator"
	"github.com/avatarfs/datanode/pkg/endpoint"
	"github.com/avatarfs/datanode/pkg/errkind"
	"github.com/avatarfs/datanode/pkg/nsproto"
	"github.com/avatarfs/datanode/pkg/offerservice"
	"github.com/avatarfs/datanode/pkg/scanner"
	"github.com/avatarfs/datanode/pkg/session"
	"github.com/avatarfs/datanode/pkg/storage"
)

// noopResolver and noopDialer never succeed: none of the tests in this file
// exercise Start (the supervisor goroutine and its real RPCs), so the only
// requirement on these endpoints is that they never block.
type noopResolver struct{}

func (noopResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return nil, errors.New("no such host")
}

type noopDialer struct{}

func (noopDialer) DialContext(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return nil, errors.New("connection refused")
}

// workingResolver always succeeds, unlike noopResolver, so a MaybeReresolve
// attempt against it can actually clear needsResolve and stamp
// lastResolvedAt instead of erroring out.
type workingResolver struct{}

func (workingResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return []string{"10.0.0.9"}, nil
}

func newTestPair(t *testing.T) (*ServicePair, *storage.Fake, *blockstore.Fake, *scanner.Fake, *coordinator.Fake) {
	t.Helper()
	ep0 := endpoint.NewForTest("meta0:8020", "meta0:8021", &noopResolver{}, &noopDialer{})
	ep1 := endpoint.NewForTest("meta1:8020", "meta1:8021", &noopResolver{}, &noopDialer{})

	newOffer := func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService {
		return offerservice.NewFake()
	}
	s0 := session.New(0, ep0, TransferProtocolVersion, func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} }, newOffer)
	s1 := session.New(1, ep1, TransferProtocolVersion, func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} }, newOffer)

	st := storage.NewFake()
	bs := blockstore.NewFake()
	sc := scanner.NewFake()
	co := coordinator.NewFake()

	p := New(Config{
		NameserviceID: "ns1",
		DefaultAddr:   "ns1-default:8020",
		Session0:      s0,
		Session1:      s1,
		Coordinator:   co,
		Storage:       st,
		BlockStore:    bs,
		Scanner:       sc,
	})
	return p, st, bs, sc, co
}

func TestNeedsHandshakeInitiallyTrue(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	assert.True(t, p.NeedsHandshake())
}

func TestRecordHandshakeRejectsLayoutMismatch(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	err := p.RecordHandshake(&nsproto.NamespaceInfo{LayoutVersion: LocalLayoutVersion + 1, NamespaceID: 7})
	require.Error(t, err)
	assert.Equal(t, errkind.LayoutMismatch, errkind.Of(err))
	assert.True(t, p.NeedsHandshake())
}

func TestRecordHandshakeAdoptsOnce(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	require.NoError(t, p.RecordHandshake(&nsproto.NamespaceInfo{LayoutVersion: LocalLayoutVersion, NamespaceID: 42}))
	assert.False(t, p.NeedsHandshake())
	assert.Equal(t, int64(42), p.NamespaceID())

	// A second handshake (e.g. the peer's) must not overwrite the adopted one.
	require.NoError(t, p.RecordHandshake(&nsproto.NamespaceInfo{LayoutVersion: LocalLayoutVersion, NamespaceID: 99}))
	assert.Equal(t, int64(42), p.NamespaceID())
}

func TestAdoptRegistrationFirstWriterWinsAndPersistsStorageID(t *testing.T) {
	p, st, _, _, _ := newTestPair(t)
	require.NoError(t, p.AdoptRegistration(&nsproto.DatanodeRegistration{StorageID: "DS-1"}))
	assert.Equal(t, "DS-1", st.StorageID())
}

func TestAdoptRegistrationRejectsInconsistentStorage(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	require.NoError(t, p.AdoptRegistration(&nsproto.DatanodeRegistration{StorageID: "DS-1"}))
	err := p.AdoptRegistration(&nsproto.DatanodeRegistration{StorageID: "DS-2"})
	require.Error(t, err)
	assert.Equal(t, errkind.InconsistentStorage, errkind.Of(err))
}

func TestRegistrationSeedUsesPerSessionAddresses(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	reg0 := p.RegistrationSeed(0)
	reg1 := p.RegistrationSeed(1)
	assert.Equal(t, "meta0:8020", reg0.TransferAddr)
	assert.Equal(t, "meta1:8020", reg1.TransferAddr)
	assert.Equal(t, reg0.DatanodeUUID, reg1.DatanodeUUID)
}

func TestSetPrimaryAndIsPrimary(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	assert.False(t, p.IsPrimary(p.Session0()))
	p.SetPrimary(p.Session0())
	assert.True(t, p.IsPrimary(p.Session0()))
	assert.False(t, p.IsPrimary(p.Session1()))
}

func TestSyncBlockDeliversOnlyToPrimary(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	assert.Nil(t, p.SyncBlock("blk-1"), "no primary elected yet")

	p.SetPrimary(p.Session0())
	assert.Same(t, p.Session0(), p.SyncBlock("blk-1"))
}

func TestFanOutMethodsDoNotPanicWithoutServingSessions(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	p.NotifyReceived("blk-1", "")
	p.NotifyDeleted("blk-1")
	p.ReportBadBlocks([]string{"blk-1"})
	p.ScheduleBlockReport(0)
}

func TestDataAddrKeyIsSession0DataHost(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	assert.Equal(t, "meta0:8020", p.DataAddrKey())
}

func TestStopAndJoinAreIdempotentWithoutStart(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	p.Stop()
	p.Stop()
	p.Join()
	p.Join()
}

func TestReresolvePassDoesNotStopSessionWithinCooldown(t *testing.T) {
	ep0 := endpoint.NewForTest("meta0:8020", "meta0:8021", workingResolver{}, &noopDialer{})
	ep1 := endpoint.NewForTest("meta1:8020", "meta1:8021", &noopResolver{}, &noopDialer{})
	newOffer := func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService {
		return offerservice.NewFake()
	}
	s0 := session.New(0, ep0, TransferProtocolVersion, func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} }, newOffer)
	s1 := session.New(1, ep1, TransferProtocolVersion, func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} }, newOffer)
	p := New(Config{
		NameserviceID: "ns1",
		DefaultAddr:   "ns1-default:8020",
		Session0:      s0,
		Session1:      s1,
		Coordinator:   coordinator.NewFake(),
		Storage:       storage.NewFake(),
		BlockStore:    blockstore.NewFake(),
		Scanner:       scanner.NewFake(),
	})

	ep := p.cfg.Session0.Endpoint
	ctx := context.Background()

	// Flag needsResolve and let a real reresolvePass resolve it once,
	// stamping lastResolvedAt at "now". The session never came up (the
	// dialer always fails); the pass stops and joins it, which leaves it in
	// StateIdle.
	_ = ep.EnsureProxies(ctx)
	require.True(t, ep.NeedsResolve())
	p.reresolvePass(ctx)
	require.False(t, ep.NeedsResolve())
	assert.Equal(t, session.StateIdle, p.cfg.Session0.State())

	// Flag needsResolve again immediately: the cooldown has not elapsed, so
	// this pass must not stop/join the session, even though NeedsResolve is
	// true.
	_ = ep.EnsureProxies(ctx)
	require.True(t, ep.NeedsResolve())
	p.reresolvePass(ctx)
	assert.True(t, ep.NeedsResolve(), "still flagged: the cooldown gate should have skipped this endpoint entirely")
	assert.Equal(t, session.StateIdle, p.cfg.Session0.State(), "session must not be stopped while the cooldown has not elapsed")
}

func TestCleanUpRunsExactlyOnce(t *testing.T) {
	p, _, bs, _, _ := newTestPair(t)
	require.NoError(t, p.RecordHandshake(&nsproto.NamespaceInfo{LayoutVersion: LocalLayoutVersion, NamespaceID: 5}))
	require.NoError(t, bs.AddNamespace(5, "/data/1"))

	removed := 0
	p.cfg.RemoveSelf = func(pp *ServicePair) { removed++ }

	ctx := context.Background()
	p.CleanUp(ctx)
	p.CleanUp(ctx)

	assert.Equal(t, 1, removed)
	assert.False(t, bs.HasNamespace(5))
}

func TestRecordHandshakeFeedsUpgradeManagerVersions(t *testing.T) {
	p, _, _, _, _ := newTestPair(t)
	require.NoError(t, p.RecordHandshake(&nsproto.NamespaceInfo{
		LayoutVersion: LocalLayoutVersion,
		NamespaceID:   1,
		BuildVersion:  "9.9.9",
	}))
	assert.True(t, p.upgradeManager.Upgrading())
}

func TestSynthesizeStorageID(t *testing.T) {
	assert.Equal(t, "simulated-DS-unknown", synthesizeStorageID(nil))
	assert.Equal(t, "simulated-DS-1.0", synthesizeStorageID(&nsproto.NamespaceInfo{BuildVersion: "1.0"}))
}
