package session

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatarfs/datanode/pkg/endpoint"
	"github.com/avatarfs/datanode/pkg/nsproto"
	"github.com/avatarfs/datanode/pkg/offerservice"
)

type fakeResolver struct{}

func (fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return []string{"10.0.0.1"}, nil
}

type fakeDialer struct{}

func (fakeDialer) DialContext(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

type fakeHandshakeCoordinator struct {
	needsHandshake bool
	recorded       *nsproto.NamespaceInfo
	registrations  []*nsproto.DatanodeRegistration
	adoptErr       error
}

func (f *fakeHandshakeCoordinator) NeedsHandshake() bool { return f.needsHandshake }

func (f *fakeHandshakeCoordinator) RecordHandshake(ni *nsproto.NamespaceInfo) error {
	f.recorded = ni
	f.needsHandshake = false
	return nil
}

func (f *fakeHandshakeCoordinator) AdoptRegistration(reg *nsproto.DatanodeRegistration) error {
	f.registrations = append(f.registrations, reg)
	return f.adoptErr
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	ep := endpoint.NewForTest("meta0:8020", "meta0:8021", fakeResolver{}, fakeDialer{})
	return New(0, ep, 28,
		func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} },
		func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService {
			return offerservice.NewFake()
		},
	)
}

func TestTryBringUpIsIdempotentOnceServing(t *testing.T) {
	s := newTestSession(t)
	hc := &fakeHandshakeCoordinator{needsHandshake: false}

	// registerOnce will fail because DataProtocol.Register hits a real
	// (never-actually-dialed-successfully) RPC path in this unit test's
	// scope; instead verify the idempotent short-circuit directly.
	s.serving.Store(true)
	require.NoError(t, s.TryBringUp(context.Background(), hc))
}

func TestWithOfferDropsWhenNotServing(t *testing.T) {
	s := newTestSession(t)
	// Not serving: Enqueue* must not panic and must be silently dropped.
	s.EnqueueReceived("blk-1", "")
	s.EnqueueDeleted("blk-1")
	s.EnqueueBadBlocks([]string{"blk-1"})
	s.EnqueueSyncBlock("blk-1")
}

func TestStateStringerCoversEveryState(t *testing.T) {
	for st := StateIdle; st <= StateStopping; st++ {
		assert.NotEmpty(t, st.String())
	}
}

func TestRestartClearsRegisteredAndState(t *testing.T) {
	s := newTestSession(t)
	s.registered.Store(true)
	s.setState(StateRegistered)

	require.NoError(t, s.Restart(context.Background()))
	assert.False(t, s.IsRegistered())
	assert.Equal(t, StateIdle, s.State())
}

func TestHandshakeFailsWithoutLiveProxies(t *testing.T) {
	s := newTestSession(t)
	_, err := s.Handshake(context.Background())
	require.Error(t, err)
}

func TestRegisterOnceFailsBeforeAdoptWithoutLiveProxies(t *testing.T) {
	hc := &fakeHandshakeCoordinator{adoptErr: errors.New("inconsistent storage")}
	s := newTestSession(t)
	err := s.registerOnce(context.Background(), hc)
	// registerOnce dials through Endpoint.DataProtocol(), which is nil
	// because EnsureProxies was never called in this unit test; that
	// surfaces as the "proxies not live" error before AdoptRegistration
	// (and its adoptErr) is ever reached.
	require.Error(t, err)
}
