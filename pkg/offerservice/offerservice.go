// Package offerservice defines the contract the namespace service manager
// requires from the per-session offer-service worker: the long-lived RPC
// loop that exchanges heartbeats, block reports, and commands with a
// metadata server. The worker's internals (recovery protocol on
// re-registration, command dispatch, heartbeat cadence) are out of scope
// for this repository; only the contract Session needs is specified here,
// plus an in-memory fake used by tests.
package offerservice

import (
	"context"
	"sync"
	"time"
)

// OfferService is the worker a Session spawns once registered.
type OfferService interface {
	// Run executes the offer loop until ctx is done, returning nil on a
	// clean shutdown.
	Run(ctx context.Context) error

	// EnqueueReceived, EnqueueDeleted, EnqueueBadBlocks, EnqueueSyncBlock,
	// and EnqueueScheduleBlockReport deliver the corresponding
	// notification/command to the running worker. They must not block;
	// a worker that cannot keep up drops or coalesces at its own
	// discretion.
	EnqueueReceived(blockID, deleteHint string)
	EnqueueDeleted(blockID string)
	EnqueueBadBlocks(blockIDs []string)
	EnqueueSyncBlock(blockID string)
	EnqueueScheduleBlockReport(delay time.Duration)
}

// Fake is an in-memory OfferService recording everything it is asked to
// deliver, for use in ServicePair/Session/NamespaceManager tests.
type Fake struct {
	mu              sync.Mutex
	received        []ReceivedEvent
	deleted         []string
	badBlocks       [][]string
	syncedBlocks    []string
	scheduledReport []time.Duration
	runCalled       bool
	stopped         chan struct{}
}

// ReceivedEvent records one EnqueueReceived call.
type ReceivedEvent struct {
	BlockID    string
	DeleteHint string
}

// NewFake constructs a ready-to-use Fake.
func NewFake() *Fake {
	return &Fake{stopped: make(chan struct{})}
}

func (f *Fake) Run(ctx context.Context) error {
	f.mu.Lock()
	f.runCalled = true
	f.mu.Unlock()
	<-ctx.Done()
	close(f.stopped)
	return nil
}

func (f *Fake) EnqueueReceived(blockID, deleteHint string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, ReceivedEvent{blockID, deleteHint})
}

func (f *Fake) EnqueueDeleted(blockID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, blockID)
}

func (f *Fake) EnqueueBadBlocks(blockIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.badBlocks = append(f.badBlocks, blockIDs)
}

func (f *Fake) EnqueueSyncBlock(blockID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncedBlocks = append(f.syncedBlocks, blockID)
}

func (f *Fake) EnqueueScheduleBlockReport(delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduledReport = append(f.scheduledReport, delay)
}

// Received returns a copy of the recorded EnqueueReceived calls.
func (f *Fake) Received() []ReceivedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ReceivedEvent, len(f.received))
	copy(out, f.received)
	return out
}

// Deleted returns a copy of the recorded EnqueueDeleted block ids.
func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.deleted))
	copy(out, f.deleted)
	return out
}

// SyncedBlocks returns a copy of the recorded EnqueueSyncBlock calls.
func (f *Fake) SyncedBlocks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.syncedBlocks))
	copy(out, f.syncedBlocks)
	return out
}
