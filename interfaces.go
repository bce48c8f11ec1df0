package vblk

import "github.com/behrlich/vhost-blk/internal/interfaces"

// Backend is the minimal interface every block device backend must
// implement: random-access byte storage plus a flush. Optional
// capabilities (discard, write-zeroes, range sync, stats, resize) are
// expressed as separate interfaces a backend can additionally satisfy
// rather than requiring every backend to implement the full superset.
// The virtio-blk dispatcher probes for DiscardBackend and
// WriteZeroesBackend with a type assertion; the request path does not
// use the sync, stats or resize capabilities.
type Backend = interfaces.Backend

// DiscardBackend is the optional TRIM/DISCARD capability.
type DiscardBackend = interfaces.DiscardBackend

// WriteZeroesBackend is the optional VIRTIO_BLK_T_WRITE_ZEROES capability.
type WriteZeroesBackend = interfaces.WriteZeroesBackend

// SyncBackend is the optional range-fsync capability.
type SyncBackend = interfaces.SyncBackend

// StatBackend is the optional operational-counters capability.
type StatBackend = interfaces.StatBackend

// ResizeBackend is the optional online-resize capability.
type ResizeBackend = interfaces.ResizeBackend

// Logger is the optional structured logging sink a Device can be given.
type Logger = interfaces.Logger
