// Package queue drives one virtqueue's request loop: wait for a kick,
// drain every available descriptor chain into the dispatcher, repeat.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/behrlich/vhost-blk/internal/blkdev"
	"github.com/behrlich/vhost-blk/internal/interfaces"
	"github.com/behrlich/vhost-blk/internal/virtqueue"
)

// Config describes one queue's event-loop wiring. KickFD is the
// eventfd the front-end signals after publishing new avail entries —
// vhost-user's SET_VRING_KICK hands this fd to the backend; how it
// gets here is out of this package's scope.
type Config struct {
	QueueID    uint16
	Virtqueue  *virtqueue.Virtqueue
	Dispatcher *blkdev.Dispatcher
	KickFD     int
	Backend    interfaces.Backend
	Logger     interfaces.Logger
	Observer   interfaces.Observer
}

// Runner owns one goroutine parked in epoll_wait on KickFD (and an
// internal stop eventfd), draining the virtqueue every time the
// front-end kicks it.
type Runner struct {
	cfg     Config
	ctx     context.Context
	cancel  context.CancelFunc
	epollFD int
	stopFD  int
	wg      sync.WaitGroup
	once    sync.Once
}

// NewRunner creates the epoll instance and registers KickFD and an
// internal stop eventfd, but does not start the loop; call Start for
// that.
func NewRunner(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.Virtqueue == nil || cfg.Dispatcher == nil {
		return nil, fmt.Errorf("queue: runner requires a virtqueue and dispatcher")
	}

	epollFD, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("queue: epoll_create1: %w", err)
	}

	stopFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epollFD)
		return nil, fmt.Errorf("queue: eventfd: %w", err)
	}

	for _, fd := range []int{cfg.KickFD, stopFD} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epollFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			unix.Close(epollFD)
			unix.Close(stopFD)
			return nil, fmt.Errorf("queue: epoll_ctl add fd %d: %w", fd, err)
		}
	}

	rctx, cancel := context.WithCancel(ctx)
	return &Runner{cfg: cfg, ctx: rctx, cancel: cancel, epollFD: epollFD, stopFD: stopFD}, nil
}

// Start replays any descriptor heads left inflight by a prior crash
// (in the order Attach returned them), then launches the event loop
// goroutine.
func (r *Runner) Start(replay []uint16) error {
	for _, head := range replay {
		iov, err := r.cfg.Virtqueue.ReplayHead(head)
		if err != nil {
			return fmt.Errorf("queue: replay head %d: %w", head, err)
		}
		if err := r.cfg.Dispatcher.Dispatch(iov); err != nil {
			return fmt.Errorf("queue: dispatch replayed head %d: %w", head, err)
		}
	}

	r.wg.Add(1)
	go r.loop()
	return nil
}

func (r *Runner) loop() {
	defer r.wg.Done()

	events := make([]unix.EpollEvent, 4)
	for {
		n, err := unix.EpollWait(r.epollFD, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			if r.cfg.Logger != nil {
				r.cfg.Logger.Printf("queue %d: epoll_wait: %v", r.cfg.QueueID, err)
			}
			return
		}

		stopped := false
		kicked := false
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case r.stopFD:
				stopped = true
			case r.cfg.KickFD:
				kicked = true
			}
		}

		if kicked {
			drainEventfd(r.cfg.KickFD)
			r.drainQueue()
		}
		if stopped {
			return
		}

		select {
		case <-r.ctx.Done():
			return
		default:
		}
	}
}

func (r *Runner) drainQueue() {
	for r.cfg.Virtqueue.HasWork() {
		iov, err := r.cfg.Virtqueue.Dequeue()
		if err != nil {
			if r.cfg.Logger != nil {
				r.cfg.Logger.Printf("queue %d: dequeue: %v", r.cfg.QueueID, err)
			}
			return
		}
		if iov == nil {
			return
		}

		start := time.Now()
		dispatchErr := r.cfg.Dispatcher.Dispatch(iov)
		if r.cfg.Observer != nil {
			r.observe(iov, time.Since(start), dispatchErr == nil)
		}
		if dispatchErr != nil {
			if r.cfg.Logger != nil {
				r.cfg.Logger.Printf("queue %d: dispatch: %v", r.cfg.QueueID, dispatchErr)
			}
			return
		}
	}
}

func (r *Runner) observe(iov *virtqueue.IOV, latency time.Duration, success bool) {
	ns := uint64(latency.Nanoseconds())
	switch {
	case iov.WriteLen > 1 && iov.ReadLen <= blkdev.RequestHeaderSize:
		r.cfg.Observer.ObserveRead(iov.WriteLen, ns, success)
	case iov.ReadLen > blkdev.RequestHeaderSize && iov.WriteLen <= 1:
		r.cfg.Observer.ObserveWrite(iov.ReadLen, ns, success)
	default:
		r.cfg.Observer.ObserveFlush(ns, success)
	}
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

// Close stops the loop and releases the runner's fds. It does not
// close KickFD, which the caller owns.
func (r *Runner) Close() error {
	r.once.Do(func() {
		r.cancel()
		one := make([]byte, 8)
		one[0] = 1
		unix.Write(r.stopFD, one)
	})
	r.wg.Wait()
	unix.Close(r.epollFD)
	unix.Close(r.stopFD)
	return nil
}
