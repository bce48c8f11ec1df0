// Package vblk provides the main API for creating vhost-user virtio-blk
// device backends.
package vblk

import (
	"context"
	"fmt"

	"github.com/behrlich/vhost-blk/internal/blkdev"
	"github.com/behrlich/vhost-blk/internal/constants"
	"github.com/behrlich/vhost-blk/internal/logging"
	"github.com/behrlich/vhost-blk/internal/memmap"
	"github.com/behrlich/vhost-blk/internal/queue"
	"github.com/behrlich/vhost-blk/internal/virtqueue"
)

// QueueConfig is one virtqueue's negotiated layout: the guest memory it
// lives in, its ring addresses, and the kick eventfd the front-end
// signals after publishing avail entries. A real deployment gets these
// from the vhost-user control channel (internal/vhostuser) handling
// SET_MEM_TABLE/SET_VRING_ADDR/SET_VRING_KICK; that negotiation is
// outside this package's scope, so CreateAndServe takes the result of
// it directly.
type QueueConfig struct {
	Memory    *memmap.Map
	Virtqueue virtqueue.Config
	KickFD    int
}

// Device represents a vhost-user block device backend serving one or
// more virtqueues against an injected Backend.
type Device struct {
	// ID is an opaque handle this registration was assigned, for
	// logging and metrics correlation; it names nothing in the kernel.
	ID uint32

	// SocketPath names a vhost-user control socket for this device.
	// CreateAndServe takes no socket path and leaves it empty.
	SocketPath string

	// Backend is the backend implementation
	Backend Backend

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Internal state
	queues    int
	depth     int
	blockSize int
	started   bool
	runners   []*queue.Runner
	vqs       []*virtqueue.Virtqueue

	// Metrics and observability
	metrics  *Metrics
	observer Observer
}

// DeviceParams contains parameters for creating a device.
// CreateAndServe reads Backend, Queues, QueueDepth, LogicalBlockSize,
// DeviceID and Serial; the other fields are not applied (ReadOnly does
// not make writes fail, and CPUAffinity pins nothing).
type DeviceParams struct {
	// Backend provides the storage implementation
	Backend Backend

	// Queues describes each negotiated virtqueue this device serves.
	// len(Queues) is the device's queue count.
	Queues []QueueConfig

	// Device configuration
	QueueDepth       int // Queue depth per queue (default: 128)
	LogicalBlockSize int // Logical block size in bytes (default: 512)
	MaxIOSize        int // Maximum I/O size in bytes (default: 1MB)

	// Device attributes
	ReadOnly      bool // Make device read-only
	Rotational    bool // Device is rotational (HDD-like)
	VolatileCache bool // Device has volatile cache
	EnableFUA     bool // Enable Force Unit Access

	// Discard parameters (only used if backend implements DiscardBackend)
	DiscardAlignment   uint32 // Discard alignment
	DiscardGranularity uint32 // Discard granularity
	MaxDiscardSectors  uint32 // Max sectors per discard
	MaxDiscardSegments uint16 // Max segments per discard

	// Advanced options
	DeviceID    int32  // Stored as Device.ID (converted to uint32); -1 requests none, and no ID is allocated
	DeviceName  string // Optional device name
	Serial      string // Returned for VIRTIO_BLK_T_GET_ID, truncated/padded to 20 bytes
	CPUAffinity []int  // CPU affinity mask for queue goroutines
}

// DefaultParams returns default device parameters. Queues is left
// empty; the caller fills it in once virtqueues have been negotiated.
func DefaultParams(backend Backend) DeviceParams {
	return DeviceParams{
		Backend:          backend,
		QueueDepth:       constants.DefaultQueueDepth,
		LogicalBlockSize: constants.DefaultLogicalBlockSize,
		MaxIOSize:        constants.DefaultMaxIOSize,

		ReadOnly:      false,
		Rotational:    false, // SSD-like by default
		VolatileCache: false,
		EnableFUA:     false,

		DiscardAlignment:   constants.DefaultDiscardAlignment,
		DiscardGranularity: constants.DefaultDiscardGranularity,
		MaxDiscardSectors:  constants.DefaultMaxDiscardSectors,
		MaxDiscardSegments: constants.DefaultMaxDiscardSegments,

		DeviceID: constants.AutoAssignDeviceID,
	}
}

// Options contains additional options for device creation
type Options struct {
	// Context for cancellation (if nil, uses context.Background())
	Context context.Context

	// Logger receives the queue runners' messages (if nil, those are
	// dropped); CreateAndServe logs through the internal/logging default
	// logger regardless.
	Logger Logger

	// Observer for metrics collection (if nil, operations are recorded
	// into the device's Metrics)
	Observer Observer
}

// CreateAndServe attaches every queue in params.Queues and starts
// serving I/O against params.Backend. The device continues serving
// until the context is cancelled, StopAndDelete is called, or a queue
// breaks irrecoverably.
//
// Example:
//
//	mem := backend.NewMemory(64 << 20) // 64MB RAM disk
//	params := vblk.DefaultParams(mem)
//	params.Queues = []vblk.QueueConfig{negotiatedQueue}
//	device, err := vblk.CreateAndServe(context.Background(), params, nil)
func CreateAndServe(ctx context.Context, params DeviceParams, options *Options) (*Device, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	if len(params.Queues) == 0 {
		return nil, NewError("CreateAndServe", ErrCodeInvalidParameters, "at least one queue is required")
	}

	metrics := NewMetrics()
	var observer Observer = &NoOpObserver{}
	if options.Observer != nil {
		observer = options.Observer
	} else {
		observer = NewMetricsObserver(metrics)
	}

	devID := uint32(params.DeviceID)

	device := &Device{
		ID:        devID,
		Backend:   params.Backend,
		queues:    len(params.Queues),
		depth:     params.QueueDepth,
		blockSize: params.LogicalBlockSize,
		metrics:   metrics,
		observer:  observer,
	}
	device.ctx, device.cancel = context.WithCancel(ctx)

	totalSectors := uint64(0)
	if params.Backend != nil {
		totalSectors = uint64(params.Backend.Size()) / blkdev.SectorSize
	}

	device.runners = make([]*queue.Runner, len(params.Queues))
	device.vqs = make([]*virtqueue.Virtqueue, len(params.Queues))

	for i, qc := range params.Queues {
		vq, replay, err := virtqueue.Attach(qc.Memory, qc.Virtqueue)
		if err != nil {
			device.closeRunners(i)
			return nil, FromEngineError("attach_queue", devID, i, err)
		}
		device.vqs[i] = vq

		dispatcher := blkdev.NewDispatcher(vq, blkdev.Config{
			Backend:          params.Backend,
			LogicalBlockSize: uint32(params.LogicalBlockSize),
			TotalSectors:     totalSectors,
			Serial:           params.Serial,
		})

		runnerCfg := queue.Config{
			QueueID:    uint16(i),
			Virtqueue:  vq,
			Dispatcher: dispatcher,
			KickFD:     qc.KickFD,
			Backend:    params.Backend,
			Logger:     options.Logger,
			Observer:   observer,
		}
		runner, err := queue.NewRunner(device.ctx, runnerCfg)
		if err != nil {
			device.closeRunners(i)
			return nil, fmt.Errorf("vblk: failed to create queue runner %d: %w", i, err)
		}
		if err := runner.Start(replay); err != nil {
			device.closeRunners(i)
			return nil, fmt.Errorf("vblk: failed to start queue runner %d: %w", i, err)
		}
		device.runners[i] = runner
	}

	device.started = true

	logger := logging.Default()
	logger.Info("device initialization complete", "queues", device.queues)
	if options.Logger != nil {
		options.Logger.Printf("device %d serving %d queues", device.ID, device.queues)
	}

	return device, nil
}

func (d *Device) closeRunners(upTo int) {
	for j := 0; j < upTo; j++ {
		if d.runners[j] != nil {
			d.runners[j].Close()
		}
	}
}

// DeviceState represents the current state of a device
type DeviceState string

const (
	// DeviceStateCreated indicates the device has been created but not started
	DeviceStateCreated DeviceState = "created"
	// DeviceStateRunning indicates the device is actively serving I/O
	DeviceStateRunning DeviceState = "running"
	// DeviceStateStopped indicates the device has been stopped
	DeviceStateStopped DeviceState = "stopped"
)

// State returns the current state of the device
func (d *Device) State() DeviceState {
	if d == nil {
		return DeviceStateStopped
	}

	if !d.started {
		return DeviceStateCreated
	}

	if d.ctx != nil {
		select {
		case <-d.ctx.Done():
			return DeviceStateStopped
		default:
			return DeviceStateRunning
		}
	}

	return DeviceStateRunning
}

// IsRunning returns true if the device is currently serving I/O
func (d *Device) IsRunning() bool {
	return d.State() == DeviceStateRunning
}

// NumQueues returns the number of I/O queues configured for this device
func (d *Device) NumQueues() int {
	return d.queues
}

// QueueDepth returns the queue depth configured for this device
func (d *Device) QueueDepth() int {
	return d.depth
}

// BlockSize returns the logical block size of this device
func (d *Device) BlockSize() int {
	return d.blockSize
}

// DeviceID returns this device's opaque registration handle
func (d *Device) DeviceID() uint32 {
	return d.ID
}

// Size returns the size of the device in bytes
func (d *Device) Size() int64 {
	if d.Backend == nil {
		return 0
	}
	return d.Backend.Size()
}

// DeviceInfo contains comprehensive information about a device
type DeviceInfo struct {
	ID         uint32      `json:"id"`
	SocketPath string      `json:"socket_path"`
	State      DeviceState `json:"state"`
	NumQueues  int         `json:"num_queues"`
	QueueDepth int         `json:"queue_depth"`
	BlockSize  int         `json:"block_size"`
	Size       int64       `json:"size"`
	Running    bool        `json:"running"`
}

// Info returns comprehensive information about the device
func (d *Device) Info() DeviceInfo {
	if d == nil {
		return DeviceInfo{}
	}

	state := d.State()
	return DeviceInfo{
		ID:         d.ID,
		SocketPath: d.SocketPath,
		State:      state,
		NumQueues:  d.queues,
		QueueDepth: d.depth,
		BlockSize:  d.blockSize,
		Size:       d.Size(),
		Running:    state == DeviceStateRunning,
	}
}

// Metrics returns the current metrics for the device
func (d *Device) Metrics() *Metrics {
	if d == nil {
		return nil
	}
	return d.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of device metrics
func (d *Device) MetricsSnapshot() MetricsSnapshot {
	if d == nil || d.metrics == nil {
		return MetricsSnapshot{}
	}
	return d.metrics.Snapshot()
}

// StopAndDelete stops the device's queue runners and releases its
// virtqueues. It does not close the backend; the caller owns that.
func StopAndDelete(ctx context.Context, device *Device) error {
	if device == nil {
		return ErrInvalidParameters
	}

	if device.cancel != nil {
		device.cancel()
	}

	if device.metrics != nil {
		device.metrics.Stop()
	}

	for _, runner := range device.runners {
		if runner != nil {
			runner.Close()
		}
	}
	device.runners = nil

	for _, vq := range device.vqs {
		if vq != nil {
			vq.Release()
		}
	}
	device.vqs = nil

	device.started = false
	return nil
}
