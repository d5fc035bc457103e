// Package scanner defines the block integrity scanner contract the
// namespace service manager depends on for namespace setup/teardown. The
// scanner's internals are out of scope for this repository.
package scanner

import "sync"

// Scanner is the block integrity scanner. It is optional: a data node may
// run with no scanner configured at all (spec.md §4.3 step 3: "if a
// scanner exists").
type Scanner interface {
	AddNamespace(namespaceID int64) error
	RemoveNamespace(namespaceID int64) error
}

// Fake is an in-memory Scanner for tests.
type Fake struct {
	mu         sync.Mutex
	namespaces map[int64]bool
}

// NewFake constructs a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{namespaces: make(map[int64]bool)}
}

func (f *Fake) AddNamespace(namespaceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces[namespaceID] = true
	return nil
}

func (f *Fake) RemoveNamespace(namespaceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.namespaces, namespaceID)
	return nil
}
