// Package upgrade provides the per-namespace upgrade manager that each
// ServicePair creates when it is constructed and starts once the namespace
// is initialized (or earlier, during a rolling upgrade). Its actual
// upgrade-coordination logic is out of scope for this repository; this is
// the minimal lifecycle contract ServicePair drives, plus the
// version-aware eagerness check the teacher's manager/agent handshake uses
// (cmd/traffic/cmd/agent/client.go parses the peer's version with
// blang/semver right after a successful handshake).
package upgrade

import (
	"strings"
	"sync"

	"github.com/blang/semver"
)

// Manager is the singleton-per-namespace upgrade manager. It is inert until
// StartIfNeeded is called.
type Manager struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	haveVers bool
	localVer semver.Version
	peerVer  semver.Version
}

// New constructs a Manager in its not-yet-started state.
func New() *Manager {
	return &Manager{}
}

// NoteVersions records the local data node's build version and the peer
// metadata server's build version observed at handshake (spec.md §4.3 step
// 2). Malformed version strings are ignored: StartIfNeeded still runs on
// its own trigger, just without upgrade-aware eagerness.
func (m *Manager) NoteVersions(local, peer string) {
	lv, err := semver.Parse(strings.TrimPrefix(local, "v"))
	if err != nil {
		return
	}
	pv, err := semver.Parse(strings.TrimPrefix(peer, "v"))
	if err != nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localVer, m.peerVer, m.haveVers = lv, pv, true
}

// Upgrading reports whether the peer metadata server is running a build
// newer than this data node's, per the versions last recorded by
// NoteVersions. ServicePair's steady-state tick consults this to call
// StartIfNeeded eagerly, ahead of the first REGISTERED transition, when a
// rolling upgrade is in progress.
func (m *Manager) Upgrading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haveVers && m.peerVer.GT(m.localVer)
}

// StartIfNeeded starts the manager the first time it is called; later
// calls are no-ops. Invoked whenever a ServicePair observes a session
// transition to REGISTERED (spec.md §4.3 step 4), or on any supervisor tick
// while Upgrading is true.
func (m *Manager) StartIfNeeded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
}

// Started reports whether StartIfNeeded has run.
func (m *Manager) Started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}

// Shutdown stops the manager. Idempotent.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

// Stopped reports whether Shutdown has run.
func (m *Manager) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}
