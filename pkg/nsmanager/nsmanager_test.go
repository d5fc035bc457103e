package nsmanager

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
	"github.com/avatarfs/datanode/pkg/servicepair"
	"github.com/avatarfs/datanode/pkg/session"
	"github.com/avatarfs/datanode/pkg/storage"
)

type neverConnectsDialer struct{}

func (neverConnectsDialer) DialContext(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return nil, errors.New("connection refused")
}

type emptyResolver struct{}

func (emptyResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	return nil, errors.New("no such host")
}

func newTestPair(t *testing.T, session0Addr string) *servicepair.ServicePair {
	t.Helper()
	ep0 := endpoint.NewForTest(session0Addr, session0Addr, emptyResolver{}, neverConnectsDialer{})
	ep1 := endpoint.NewForTest(session0Addr+"-peer", session0Addr+"-peer", emptyResolver{}, neverConnectsDialer{})
	newOffer := func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService {
		return offerservice.NewFake()
	}
	s0 := session.New(0, ep0, 28, func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} }, newOffer)
	s1 := session.New(1, ep1, 28, func() *nsproto.DatanodeRegistration { return &nsproto.DatanodeRegistration{} }, newOffer)

	return servicepair.New(servicepair.Config{
		NameserviceID: session0Addr,
		Session0:      s0,
		Session1:      s1,
		Coordinator:   coordinator.NewFake(),
		Storage:       storage.NewFake(),
		BlockStore:    blockstore.NewFake(),
		Scanner:       scanner.NewFake(),
	})
}

func TestAddGetRemove(t *testing.T) {
	m := New()
	p := newTestPair(t, "ns0-0:9000")
	m.Add(p)

	assert.Nil(t, m.Get(1)) // namespace id not yet assigned by a handshake
	m.Remove(p)
	m.Remove(p) // idempotent
}

func TestAddPanicsOnDuplicateKey(t *testing.T) {
	m := New()
	p1 := newTestPair(t, "ns0-0:9000")
	p2 := newTestPair(t, "ns0-0:9000")
	m.Add(p1)
	assert.Panics(t, func() { m.Add(p2) })
}

func TestNotifyReceivedUnknownNamespace(t *testing.T) {
	m := New()
	err := m.NotifyReceived(42, "blk-1", "")
	require.Error(t, err)
	assert.Equal(t, errkind.UnknownNamespace, errkind.Of(err))
}

func TestRefreshDiffKeepsSharedPairsSameObject(t *testing.T) {
	m := New()
	keep := newTestPair(t, "ns-keep:9000")
	remove := newTestPair(t, "ns-remove:9000")
	m.Add(keep)
	m.Add(remove)

	var built []*servicepair.ServicePair
	m.Refresh(context.Background(), []NamespaceConfig{
		{Session0Addr: "ns-keep:9000"},
		{Session0Addr: "ns-add:9000"},
	}, func(nc NamespaceConfig) *servicepair.ServicePair {
		p := newTestPair(t, nc.Session0Addr)
		built = append(built, p)
		return p
	})

	assert.Same(t, keep, m.snapshot()[indexOf(m.snapshot(), keep)])
	assert.Len(t, built, 1, "only the genuinely new namespace should be constructed")
	assert.Len(t, m.snapshot(), 2)
}

func indexOf(pairs []*servicepair.ServicePair, target *servicepair.ServicePair) int {
	for i, p := range pairs {
		if p == target {
			return i
		}
	}
	return -1
}
