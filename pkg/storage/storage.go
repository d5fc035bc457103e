// Package storage defines the local storage/layout manager contract the
// namespace service manager depends on for namespace storage setup
// (spec.md §4.3 step 3). The on-disk format and recovery logic themselves
// are out of scope for this repository; this package provides the
// interface plus an in-memory fake and a disk-directory validator used at
// daemon bootstrap.
package storage

import (
	"context"
	"os"
	"sync"

	"github.com/avatarfs/datanode/pkg/errkind"
)

// Storage is the local storage/layout manager. RecoverTransitionRead and
// RecoverNamespaceTransitionRead are serialized data-node-wide by the
// caller taking Lock/Unlock before calling them (spec.md §5: "serialised
// across pairs by taking the data-node-wide monitor").
type Storage interface {
	Lock()
	Unlock()

	// RecoverTransitionRead performs the one-time, data-node-wide recovery
	// pass (run once per pair's namespace storage setup, guarded by the
	// caller's Lock/Unlock).
	RecoverTransitionRead(ctx context.Context) error

	// RecoverNamespaceTransitionRead performs the per-namespace recovery
	// pass for dir.
	RecoverNamespaceTransitionRead(ctx context.Context, namespaceID int64, dir string) error

	// WriteAll persists storageID as this data node's storage id. Called
	// once, the first time a Register RPC returns an id and the data node
	// had none yet.
	WriteAll(storageID string) error

	// StorageID returns the currently persisted storage id, or "" if none
	// has been written yet.
	StorageID() string

	// RemoveNamespaceStorage cleans up the on-disk state for namespaceID.
	// Best-effort: callers log failures but do not treat them as fatal.
	RemoveNamespaceStorage(namespaceID int64) error
}

// Fake is an in-memory Storage for tests and for the simulated-storage
// startup mode (dfs.datanode.simulateddatastorage).
type Fake struct {
	monitor    sync.Mutex // the data-node-wide lock taken via Lock/Unlock
	mu         sync.Mutex // guards the fields below
	storageID  string
	namespaces map[int64]bool
}

// NewFake constructs a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{namespaces: make(map[int64]bool)}
}

func (f *Fake) Lock()   { f.monitor.Lock() }
func (f *Fake) Unlock() { f.monitor.Unlock() }

func (f *Fake) RecoverTransitionRead(ctx context.Context) error { return nil }

func (f *Fake) RecoverNamespaceTransitionRead(ctx context.Context, namespaceID int64, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces[namespaceID] = true
	return nil
}

func (f *Fake) WriteAll(storageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storageID = storageID
	return nil
}

func (f *Fake) StorageID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storageID
}

func (f *Fake) RemoveNamespaceStorage(namespaceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.namespaces, namespaceID)
	return nil
}

// ValidateDirs stats each configured data directory, dropping any that
// cannot be used (errkind.DiskError) and failing only if none remain, per
// spec.md §7's DiskError policy.
func ValidateDirs(dirs []string) ([]string, error) {
	var ok []string
	for _, d := range dirs {
		if st, err := os.Stat(d); err != nil || !st.IsDir() {
			continue
		}
		ok = append(ok, d)
	}
	if len(ok) == 0 {
		return nil, errkind.Newf(errkind.DiskError, "no usable data directories among %v", dirs)
	}
	return ok, nil
}
