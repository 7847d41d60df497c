// Package state holds the process-wide indicator state: sync progress,
// warm-up progress and connectivity.
//
// # Ownership
//
// Each store has exactly one writer and any number of readers:
//
//	SyncStore     counts: queue.Queue      progress/flags: sync.Engine
//	WarmupStore   warmup.Loader
//	NetworkStore  network.Monitor
//
// The stores are created once in main and injected into the components that
// need them. Nothing reaches them through package-level variables.
//
// # Observers
//
// Readers either poll Snapshot or call Subscribe, which returns a buffered
// channel seeded with the current value. Publishing never blocks the writer:
// when a subscriber's buffer is full the oldest pending snapshot is dropped,
// so a slow reader always converges on the latest state.
//
// # Persistence
//
// SyncStore and WarmupStore write every change to the store's meta table
// (keys SyncStateKey and WarmupStateKey) and are seeded from it on start.
// A drain or warm-up that was running when the process died is reset on
// load, because neither survives a restart.
package state
