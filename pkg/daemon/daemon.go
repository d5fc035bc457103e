// Package daemon wires together dnconfig, coordinator, storage,
// blockstore, scanner, nsmanager, and servicepair into the running data
// node process, the way cmd/traffic/cmd/manager/manager.go's Main wires
// the traffic manager's gRPC server, sshd, and systema client under one
// dgroup.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/avatarfs/datanode/pkg/blockstore"
	"github.com/avatarfs/datanode/pkg/coordinator"
	"github.com/avatarfs/datanode/pkg/dnconfig"
	"github.com/avatarfs/datanode/pkg/endpoint"
	"github.com/avatarfs/datanode/pkg/errkind"
	"github.com/avatarfs/datanode/pkg/logging"
	"github.com/avatarfs/datanode/pkg/nsmanager"
	"github.com/avatarfs/datanode/pkg/nsproto"
	"github.com/avatarfs/datanode/pkg/offerservice"
	"github.com/avatarfs/datanode/pkg/scanner"
	"github.com/avatarfs/datanode/pkg/servicepair"
	"github.com/avatarfs/datanode/pkg/session"
	"github.com/avatarfs/datanode/pkg/storage"
)

// Daemon is the top-level process: one NamespaceManager, the shared
// external collaborators every ServicePair consumes, and the shutdown
// plumbing spec.md §5 calls requestShutdown.
type Daemon struct {
	env        dnconfig.Env
	cfg        *dnconfig.Config
	configPath string
	dirs       []string
	mgr        *nsmanager.NamespaceManager
	coord      coordinator.Client
	store      storage.Storage
	blocks     blockstore.BlockStore
	scan       scanner.Scanner

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  atomic.Value // error
	cancel       context.CancelFunc
}

// New constructs a Daemon from loaded configuration. It validates data
// directories and fails fast (errkind.DiskError) if none are usable.
func New(env dnconfig.Env, cfg *dnconfig.Config, configPath string) (*Daemon, error) {
	dirs, err := storage.ValidateDirs(cfg.DataDirs)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		env:        env,
		cfg:        cfg,
		configPath: configPath,
		dirs:       dirs,
		mgr:        nsmanager.New(),
		coord:      coordinator.NewHTTPClient(env.CoordinatorURL),
		store:      storage.NewFake(),
		blocks:     blockstore.NewFake(),
		scan:       scanner.NewFake(),
	}, nil
}

// Run starts every configured namespace's ServicePair and blocks until the
// supplied context is cancelled or a fatal, data-node-wide condition is
// hit, at which point it tears everything down within env.ShutdownTimeout
// and returns the error that triggered shutdown, if any.
func (d *Daemon) Run(ctx context.Context) error {
	ctx = logging.Init(ctx)
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	dataDir := d.dirs[0]
	for _, ns := range d.cfg.Namespaces {
		pair := d.newPair(ns, dataDir)
		d.mgr.Add(pair)
	}

	dlog.Infof(ctx, "starting %d namespace(s)", len(d.cfg.Namespaces))
	d.mgr.StartAll(ctx)

	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{EnableSignalHandling: true})
	if d.configPath != "" {
		g.Go("watch-config", func(ctx context.Context) error {
			return dnconfig.Watch(ctx, d.configPath, func(ctx context.Context) error {
				cfg, err := dnconfig.Load(d.configPath)
				if err != nil {
					dlog.Errorf(ctx, "config reload: %v", err)
					return nil
				}
				d.Reload(ctx, cfg)
				return nil
			})
		})
	}

	err := g.Wait()
	d.shutdown(ctx)
	if err == nil {
		if cause, ok := d.shutdownErr.Load().(error); ok {
			err = cause
		}
	}
	return err
}

// Reload diffs cfg against the currently running namespace set via
// nsmanager.Refresh.
func (d *Daemon) Reload(ctx context.Context, cfg *dnconfig.Config) {
	newConfig := make([]nsmanager.NamespaceConfig, 0, len(cfg.Namespaces))
	byAddr := make(map[string]dnconfig.NamespaceEntry, len(cfg.Namespaces))
	for _, ns := range cfg.Namespaces {
		newConfig = append(newConfig, nsmanager.NamespaceConfig{Session0Addr: ns.Session0Addr})
		byAddr[ns.Session0Addr] = ns
	}
	dataDir := d.dirs[0]
	d.mgr.Refresh(ctx, newConfig, func(nc nsmanager.NamespaceConfig) *servicepair.ServicePair {
		return d.newPair(byAddr[nc.Session0Addr], dataDir)
	})
	d.cfg = cfg
}

// RequestShutdown is the requestShutdown() callback spec.md §7 names:
// any ServicePair fatal at the data-node scope (LayoutMismatch, or a
// remote Unregistered/Disallowed/IncorrectVersion) calls it, cascading to
// stopAll + joinAll for every namespace. Idempotent.
func (d *Daemon) RequestShutdown(ctx context.Context, cause error) {
	if d.shuttingDown.Swap(true) {
		return
	}
	dlog.Errorf(ctx, "data-node-wide shutdown requested: %v", cause)
	d.shutdownErr.Store(cause)
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Daemon) shutdown(ctx context.Context) {
	d.shutdownOnce.Do(func() {
		dlog.Info(ctx, "stopping all namespaces")
		d.mgr.StopAll()
		joined := make(chan struct{})
		go func() {
			d.mgr.JoinAll()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(d.env.ShutdownTimeout):
			dlog.Errorf(ctx, "namespaces did not stop within %s", d.env.ShutdownTimeout)
		}
	})
}

// onFatal is each ServicePair's OnFatal callback: escalate data-node-wide
// fatal classes via RequestShutdown; tear down only the offending pair for
// InconsistentStorage (fatal for the pair only, per spec.md §7).
func (d *Daemon) onFatal(ctx context.Context) func(p *servicepair.ServicePair, err error) {
	return func(p *servicepair.ServicePair, err error) {
		switch errkind.Of(err) {
		case errkind.LayoutMismatch, errkind.Unregistered, errkind.Disallowed, errkind.IncorrectVersion:
			d.RequestShutdown(ctx, err)
		case errkind.InconsistentStorage:
			dlog.Errorf(ctx, "namespace fatal, tearing down this pair only: %v", err)
			p.Stop()
			p.Join()
			p.CleanUp(ctx)
		default:
			dlog.Errorf(ctx, "unexpected fatal classification %s for %v", errkind.Of(err), err)
		}
	}
}

func (d *Daemon) newPair(ns dnconfig.NamespaceEntry, dataDir string) *servicepair.ServicePair {
	ep0 := endpoint.New(ns.Session0Addr, adminHostFor(ns.Session0Addr, ns.AdminPort0))
	ep1 := endpoint.New(ns.Session1Addr, adminHostFor(ns.Session1Addr, ns.AdminPort1))

	var pair *servicepair.ServicePair

	newOffer := func(ctx context.Context, dp nsproto.DataProtocol, ap nsproto.AdminProtocol) offerservice.OfferService {
		return offerservice.NewFake()
	}

	s0 := session.New(0, ep0, servicepair.TransferProtocolVersion, func() *nsproto.DatanodeRegistration {
		return pair.RegistrationSeed(0)
	}, newOffer)
	s1 := session.New(1, ep1, servicepair.TransferProtocolVersion, func() *nsproto.DatanodeRegistration {
		return pair.RegistrationSeed(1)
	}, newOffer)

	ctx := context.Background()
	pair = servicepair.New(servicepair.Config{
		NameserviceID: ns.NameserviceID,
		DefaultAddr:   ns.DefaultAddr,
		DataDir:       dataDir,
		Simulated:     d.cfg.SimulatedDataStorage,
		Session0:      s0,
		Session1:      s1,
		Coordinator:   d.coord,
		Storage:       d.store,
		BlockStore:    d.blocks,
		Scanner:       d.scan,
		OnFatal:       d.onFatal(ctx),
		RemoveSelf:    d.mgr.Remove,
	})
	return pair
}

func adminHostFor(dataAddr string, adminPort int) string {
	host, _, err := splitHostPort(dataAddr)
	if err != nil || adminPort == 0 {
		return dataAddr
	}
	return fmt.Sprintf("%s:%d", host, adminPort)
}

func splitHostPort(hostport string) (string, string, error) {
	for i := len(hostport) - 1; i >= 0; i-- {
		if hostport[i] == ':' {
			return hostport[:i], hostport[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("daemon: %q is not a host:port pair", hostport)
}
