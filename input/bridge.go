// Package input turns "move the pointer" and "play back these key events"
// requests into calls on host virtual input devices.
//
// Key batches are funneled through a single worker goroutine: batches run one
// at a time in submission order, and the inter-key delays never block the
// caller.
package input

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Christopher-Hayes/kando-integration-mutter/internal/common"
)

const maxQueuedBatches = 64

var (
	// ErrClosed is reported for batches submitted to, or cancelled by, a closed bridge.
	ErrClosed = errors.New("input bridge closed")
	// ErrQueueFull is reported when too many key batches are already waiting.
	ErrQueueFull = errors.New("too many pending key batches")
)

// KeyEvent is one key press or release. Code is an X11 keycode; DelayMs is
// waited before the event, relative to the previous event of the same batch.
type KeyEvent struct {
	Code    int
	Pressed bool
	DelayMs int
}

// Devices is a pair of virtual pointer and keyboard devices provided by the host.
type Devices interface {
	MoveRelative(dx, dy int) error
	Key(code int, pressed bool) error
	Close() error
}

type batch struct {
	events []KeyEvent
	result chan error
}

// Bridge owns the virtual devices for its whole lifetime.
type Bridge struct {
	devices Devices
	logger  *common.Logger

	devMu sync.Mutex // serializes device calls from MovePointer and the worker

	queueMu sync.Mutex // held while enqueuing so Close cannot miss a batch
	queue   chan *batch
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// NewBridge starts the batch worker. devices must already be usable.
func NewBridge(devices Devices, logger *common.Logger) (*Bridge, error) {
	if devices == nil {
		return nil, fmt.Errorf("input bridge requires virtual devices")
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		devices: devices,
		logger:  logger.With("input"),
		queue:   make(chan *batch, maxQueuedBatches),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go b.run()

	return b, nil
}

// MovePointer emits one relative motion event. Clamping is up to the host.
func (b *Bridge) MovePointer(dx, dy int) error {
	// Close cancels before it takes devMu to release the devices.
	b.devMu.Lock()
	defer b.devMu.Unlock()

	if b.ctx.Err() != nil {
		return ErrClosed
	}

	if err := b.devices.MoveRelative(dx, dy); err != nil {
		return fmt.Errorf("failed to move pointer by (%d, %d): %w", dx, dy, err)
	}
	b.logger.Debugf("Moved pointer by (%d, %d)", dx, dy)
	return nil
}

// SimulateKeys queues events for playback and returns immediately. The
// returned channel receives exactly one value once the batch has finished,
// failed, or been cancelled by Close.
func (b *Bridge) SimulateKeys(events []KeyEvent) <-chan error {
	result := make(chan error, 1)

	for i, ev := range events {
		if ev.DelayMs < 0 {
			result <- fmt.Errorf("key event %d: negative delay %dms", i, ev.DelayMs)
			return result
		}
	}

	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	if b.ctx.Err() != nil {
		result <- ErrClosed
		return result
	}

	select {
	case b.queue <- &batch{events: events, result: result}:
		b.logger.Debugf("Queued %d key events", len(events))
	default:
		result <- ErrQueueFull
	}
	return result
}

// Close cancels queued and in-flight batches, waits for the worker to stop
// and releases the devices. A cancelled batch reports ErrClosed.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.queueMu.Lock()
		b.cancel()
		b.queueMu.Unlock()
		<-b.done

		b.devMu.Lock()
		defer b.devMu.Unlock()
		b.closeErr = b.devices.Close()
	})
	return b.closeErr
}

func (b *Bridge) run() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case bt := <-b.queue:
			bt.result <- b.play(bt.events)
		}
	}
}

// drain fails every batch still waiting in the queue.
func (b *Bridge) drain() {
	for {
		select {
		case bt := <-b.queue:
			bt.result <- ErrClosed
		default:
			return
		}
	}
}

func (b *Bridge) play(events []KeyEvent) error {
	for i, ev := range events {
		if ev.DelayMs > 0 {
			timer := time.NewTimer(time.Duration(ev.DelayMs) * time.Millisecond)
			select {
			case <-b.ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %d of %d key events sent", ErrClosed, i, len(events))
			case <-timer.C:
			}
		}

		if b.ctx.Err() != nil {
			return fmt.Errorf("%w: %d of %d key events sent", ErrClosed, i, len(events))
		}

		b.devMu.Lock()
		err := b.devices.Key(ev.Code, ev.Pressed)
		b.devMu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to send key event %d (code %d): %w", i, ev.Code, err)
		}
	}

	b.logger.Debugf("Played %d key events", len(events))
	return nil
}
