// Package endpoint models one metadata server's address pair (data-path and
// admin-path) together with the live RPC channels dialed against it.
//
// An Endpoint is the unit of DNS re-resolution: each Session owns exactly
// one Endpoint, so the "compare against my own lastResolvedAt" invariant
// (spec.md Design Notes: the original compared session 2's cooldown
// against session 1's timestamp — treated here as a bug) falls out of the
// type structure rather than needing to be enforced by a caller.
package endpoint

import (
	"context"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/avatarfs/datanode/pkg/errkind"
	"github.com/avatarfs/datanode/pkg/nsproto"
)

// ResolveMinInterval is the floor on re-resolution frequency: at most one
// re-resolve attempt per endpoint per this duration. It is a floor, not a
// schedule — combined with a 5s supervisor tick this yields "at most one
// re-resolve per endpoint per 2 minutes".
const ResolveMinInterval = 120 * time.Second

// Resolver abstracts hostname resolution so Endpoint can be unit tested
// without touching the real DNS. The zero value of *net.Resolver satisfies
// this (net.DefaultResolver.LookupHost has this exact signature).
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Dialer abstracts gRPC channel construction, mirroring the Resolver
// seam so tests can substitute an in-memory channel.
type Dialer interface {
	DialContext(ctx context.Context, target string) (*grpc.ClientConn, error)
}

type defaultDialer struct{}

func (defaultDialer) DialContext(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock())
}

// Endpoint holds one metadata server's resolved address pair and its live
// RPC proxies. All mutation is serialized by mu; mu is held only for fast
// state transitions, never across a blocking dial or RPC.
type Endpoint struct {
	// DataHost and AdminHost are the symbolic "host:port" addresses from
	// configuration. They never change for the lifetime of an Endpoint;
	// reconfiguration replaces the whole ServicePair instead.
	DataHost  string
	AdminHost string

	resolver Resolver
	dialer   Dialer

	mu             sync.Mutex
	dataResolved   string
	adminResolved  string
	dataProxy      *grpc.ClientConn
	adminProxy     nsproto.AdminProtocol
	needsResolve   bool
	lastResolvedAt time.Time
}

// New constructs an Endpoint for the given symbolic addresses using the
// real resolver and gRPC dialer.
func New(dataHost, adminHost string) *Endpoint {
	return &Endpoint{
		DataHost:      dataHost,
		AdminHost:     adminHost,
		resolver:      net.DefaultResolver,
		dialer:        defaultDialer{},
		dataResolved:  dataHost,
		adminResolved: adminHost,
	}
}

// NewForTest constructs an Endpoint with injected resolver/dialer seams.
func NewForTest(dataHost, adminHost string, r Resolver, d Dialer) *Endpoint {
	e := New(dataHost, adminHost)
	e.resolver = r
	e.dialer = d
	return e
}

// Live reports whether both proxies are currently dialed.
func (e *Endpoint) Live() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dataProxy != nil
}

// NeedsResolve reports whether a connect-class failure has flagged this
// endpoint for re-resolution.
func (e *Endpoint) NeedsResolve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsResolve
}

// ReresolveEligible reports whether a call to MaybeReresolve at time now
// would actually attempt re-resolution: needsResolve is set and the
// ResolveMinInterval cooldown has elapsed since the last attempt. Callers
// that must tear a session down before re-resolving (stopping and joining
// it) should check this first, so a session isn't stopped only to have
// MaybeReresolve decline to act because the cooldown hasn't elapsed yet.
func (e *Endpoint) ReresolveEligible(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsResolve && now.Sub(e.lastResolvedAt) >= ResolveMinInterval
}

// DataProtocol returns a DataProtocol client bound to the live data proxy,
// or nil if proxies are not live.
func (e *Endpoint) DataProtocol() nsproto.DataProtocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dataProxy == nil {
		return nil
	}
	return nsproto.NewDataProtocolClient(e.dataProxy)
}

// AdminProtocol returns the opaque admin channel handle, or nil if
// proxies are not live.
func (e *Endpoint) AdminProtocol() nsproto.AdminProtocol {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.adminProxy
}

// EnsureProxies dials both the data- and admin-protocol channels if they
// are not already live. It is a no-op if proxies are already live.
//
// On a connect-class error (refused, no route, port unreachable, unknown
// host) it marks the endpoint as needing re-resolution before returning.
func (e *Endpoint) EnsureProxies(ctx context.Context) error {
	e.mu.Lock()
	if e.dataProxy != nil {
		e.mu.Unlock()
		return nil
	}
	dataTarget, adminTarget := e.dataResolved, e.adminResolved
	e.mu.Unlock()

	dataConn, err := e.dialer.DialContext(ctx, dataTarget)
	if err != nil {
		e.markErr(err)
		return err
	}
	adminConn, err := e.dialer.DialContext(ctx, adminTarget)
	if err != nil {
		dataConn.Close()
		e.markErr(err)
		return err
	}

	e.mu.Lock()
	e.dataProxy = dataConn
	e.adminProxy = nsproto.NewAdminProtocol(adminConn)
	e.mu.Unlock()
	return nil
}

// markErr sets needsResolve when err belongs to a connect/unknown-host
// class, per the errkind taxonomy.
func (e *Endpoint) markErr(err error) {
	switch errkind.Of(err) {
	case errkind.Unreachable:
		e.mu.Lock()
		e.needsResolve = true
		e.mu.Unlock()
	default:
		// Timeout and Unknown are retried without forcing re-resolution.
	}
}

// MaybeReresolve re-resolves both addresses if needsResolve is set and the
// cooldown has elapsed. It reports whether either resolved address
// actually changed. The caller must guarantee no session is currently
// active on this endpoint (by stopping it first) if this returns true.
func (e *Endpoint) MaybeReresolve(ctx context.Context, now time.Time) (bool, error) {
	e.mu.Lock()
	eligible := e.needsResolve && now.Sub(e.lastResolvedAt) >= ResolveMinInterval
	dataHost, adminHost := e.DataHost, e.AdminHost
	oldData, oldAdmin := e.dataResolved, e.adminResolved
	e.mu.Unlock()
	if !eligible {
		return false, nil
	}

	newData, err := e.resolveOne(ctx, dataHost)
	if err != nil {
		e.mu.Lock()
		e.lastResolvedAt = now
		e.mu.Unlock()
		return false, err
	}
	newAdmin, err := e.resolveOne(ctx, adminHost)
	if err != nil {
		e.mu.Lock()
		e.lastResolvedAt = now
		e.mu.Unlock()
		return false, err
	}

	e.mu.Lock()
	e.dataResolved = newData
	e.adminResolved = newAdmin
	e.needsResolve = false
	e.lastResolvedAt = now
	e.mu.Unlock()

	return newData != oldData || newAdmin != oldAdmin, nil
}

// resolveOne re-resolves a "host:port" string, preserving the port.
func (e *Endpoint) resolveOne(ctx context.Context, hostport string) (string, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return "", err
	}
	addrs, err := e.resolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses returned", Name: host, IsNotFound: true}
	}
	return net.JoinHostPort(addrs[0], port), nil
}

// CloseProxies idempotently tears down both proxies.
func (e *Endpoint) CloseProxies() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dataProxy != nil {
		e.dataProxy.Close()
		e.dataProxy = nil
	}
	if e.adminProxy != nil {
		if cc, ok := e.adminProxy.Conn().(*grpc.ClientConn); ok {
			cc.Close()
		}
		e.adminProxy = nil
	}
}
