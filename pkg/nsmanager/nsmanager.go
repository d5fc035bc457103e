// Package nsmanager implements NamespaceManager: the keyed collection of
// ServicePairs a data node runs, plus the dynamic-reconfiguration primitive
// that diffs an old set against a new one. See spec.md §4.4.
package nsmanager

import (
	"context"
	"sync"

	"github.com/avatarfs/datanode/pkg/errkind"
	"github.com/avatarfs/datanode/pkg/servicepair"
)

// NamespaceManager owns a data node's ServicePairs, keyed by the data-path
// address of session 0.
type NamespaceManager struct {
	refreshLock sync.Mutex // serialises refresh calls against each other

	pairsLock sync.RWMutex // guards pairs
	pairs     map[string]*servicepair.ServicePair
}

// New constructs an empty NamespaceManager.
func New() *NamespaceManager {
	return &NamespaceManager{pairs: make(map[string]*servicepair.ServicePair)}
}

// Add inserts pair under its data-addr key. pair must not already be
// present; Add panics on a duplicate key, treating it as an invariant
// violation rather than a runtime condition. Refresh does not go through
// Add: it checks for presence and inserts new pairs itself.
func (m *NamespaceManager) Add(pair *servicepair.ServicePair) {
	m.pairsLock.Lock()
	defer m.pairsLock.Unlock()
	key := pair.DataAddrKey()
	if _, exists := m.pairs[key]; exists {
		panic("nsmanager: Add called with an already-present key " + key)
	}
	m.pairs[key] = pair
}

// Remove removes pair by its data-addr key. Idempotent.
func (m *NamespaceManager) Remove(pair *servicepair.ServicePair) {
	m.removeKey(pair.DataAddrKey())
}

func (m *NamespaceManager) removeKey(key string) {
	m.pairsLock.Lock()
	defer m.pairsLock.Unlock()
	delete(m.pairs, key)
}

// Get returns the pair serving namespaceID, or nil if none is currently
// known. O(n) scan, acceptable per spec.md §4.4.
func (m *NamespaceManager) Get(namespaceID int64) *servicepair.ServicePair {
	m.pairsLock.RLock()
	defer m.pairsLock.RUnlock()
	for _, p := range m.pairs {
		if p.NamespaceID() == namespaceID {
			return p
		}
	}
	return nil
}

// NotifyReceived looks up namespaceID and delivers, or fails with
// errkind.UnknownNamespace if no pair currently serves it. Races with
// refresh's removal are benign: a notification that arrives just after a
// pair is removed simply reports UnknownNamespace.
func (m *NamespaceManager) NotifyReceived(namespaceID int64, blockID, deleteHint string) error {
	p := m.Get(namespaceID)
	if p == nil {
		return errkind.Newf(errkind.UnknownNamespace, "no pair serving namespace %d", namespaceID)
	}
	p.NotifyReceived(blockID, deleteHint)
	return nil
}

// NotifyDeleted looks up namespaceID and delivers, or fails with
// errkind.UnknownNamespace.
func (m *NamespaceManager) NotifyDeleted(namespaceID int64, blockID string) error {
	p := m.Get(namespaceID)
	if p == nil {
		return errkind.Newf(errkind.UnknownNamespace, "no pair serving namespace %d", namespaceID)
	}
	p.NotifyDeleted(blockID)
	return nil
}

// StartAll starts every currently known pair. Idempotent: ServicePair.Start
// is itself idempotent, so calling StartAll after a partial refresh only
// starts the newly added pairs.
func (m *NamespaceManager) StartAll(ctx context.Context) {
	for _, p := range m.snapshot() {
		p.Start(ctx)
	}
}

// StopAll stops every currently known pair, non-blocking.
func (m *NamespaceManager) StopAll() {
	for _, p := range m.snapshot() {
		p.Stop()
	}
}

// JoinAll blocks until every currently known pair's workers have exited.
func (m *NamespaceManager) JoinAll() {
	var wg sync.WaitGroup
	for _, p := range m.snapshot() {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Join()
		}()
	}
	wg.Wait()
}

func (m *NamespaceManager) snapshot() []*servicepair.ServicePair {
	m.pairsLock.RLock()
	defer m.pairsLock.RUnlock()
	out := make([]*servicepair.ServicePair, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, p)
	}
	return out
}

// NewPairFunc constructs a not-yet-started ServicePair for one entry of a
// reconfiguration set. The data-addr key it will be inserted under is
// cfg[i]'s session-0 address, but Refresh only needs the constructed pair.
type NewPairFunc func(cfg NamespaceConfig) *servicepair.ServicePair

// NamespaceConfig is one namespace's worth of reconfiguration input: enough
// to derive the data-addr key (Session0Addr) and to build a fresh
// ServicePair if it turns out to be new.
type NamespaceConfig struct {
	Session0Addr string
}

// Refresh is the dynamic reconfiguration primitive (spec.md §4.4). It
// computes toStop/toAdd against the current key set, removes and starts
// the diff, and stops+joins the removed pairs in two passes so their
// shutdowns proceed concurrently. Refresh serialises globally with itself
// via refreshLock; block-event notifications may proceed concurrently.
func (m *NamespaceManager) Refresh(ctx context.Context, newConfig []NamespaceConfig, newPair NewPairFunc) {
	m.refreshLock.Lock()
	defer m.refreshLock.Unlock()

	wantKeys := make(map[string]NamespaceConfig, len(newConfig))
	for _, c := range newConfig {
		wantKeys[c.Session0Addr] = c
	}

	var toStop []*servicepair.ServicePair
	var toAdd []NamespaceConfig

	func() {
		m.pairsLock.Lock()
		defer m.pairsLock.Unlock()

		for key, p := range m.pairs {
			if _, want := wantKeys[key]; !want {
				toStop = append(toStop, p)
				delete(m.pairs, key)
			}
		}
		for key, c := range wantKeys {
			if _, have := m.pairs[key]; !have {
				toAdd = append(toAdd, c)
			}
		}
		for _, c := range toAdd {
			p := newPair(c)
			m.pairs[c.Session0Addr] = p
		}
	}()

	for _, p := range toStop {
		p.Stop()
	}
	for _, p := range toStop {
		p.Join()
		p.CleanUp(ctx)
	}

	m.StartAll(ctx)
}
