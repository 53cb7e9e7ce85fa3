package notification

import (
	"context"
	"log/slog"
	"sync"
)

// Notification describes a message for a participant in a transaction.
type Notification struct {
	UserID  string
	Subject string
	Message string
}

// Dispatcher hands notifications to the delivery subsystem. Delivery is
// at-least-once with its own retry policy; enqueue failures are logged by the
// caller, never propagated to the transaction outcome.
type Dispatcher interface {
	Enqueue(ctx context.Context, n Notification) error
}

// LogDispatcher is a stub implementation that writes notifications to the logger.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher constructs a logging dispatcher stub.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Enqueue writes the notification to the structured logger.
func (d *LogDispatcher) Enqueue(_ context.Context, n Notification) error {
	if d == nil || d.logger == nil {
		return nil
	}
	d.logger.Info("notification", "user_id", n.UserID, "subject", n.Subject, "message", n.Message)
	return nil
}

// AsyncDispatcher decouples the engine from delivery latency with a buffered
// queue and a worker goroutine. When the queue is full the notification is
// dropped and logged; the delivery subsystem owns retries, not the engine.
type AsyncDispatcher struct {
	inner  Dispatcher
	logger *slog.Logger
	queue  chan Notification
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewAsyncDispatcher wraps a dispatcher with an asynchronous queue.
func NewAsyncDispatcher(inner Dispatcher, buffer int, logger *slog.Logger) *AsyncDispatcher {
	d := &AsyncDispatcher{
		inner:  inner,
		logger: logger,
		queue:  make(chan Notification, buffer),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *AsyncDispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.queue:
			if err := d.inner.Enqueue(context.Background(), n); err != nil {
				d.logger.Warn("notification delivery failed", "user_id", n.UserID, "error", err)
			}
		case <-d.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case n := <-d.queue:
					if err := d.inner.Enqueue(context.Background(), n); err != nil {
						d.logger.Warn("notification delivery failed", "user_id", n.UserID, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Enqueue buffers the notification for asynchronous delivery.
func (d *AsyncDispatcher) Enqueue(_ context.Context, n Notification) error {
	select {
	case d.queue <- n:
	default:
		d.logger.Warn("notification queue full, dropping", "user_id", n.UserID, "subject", n.Subject)
	}
	return nil
}

// Close stops the worker after draining queued notifications.
func (d *AsyncDispatcher) Close() {
	d.once.Do(func() {
		close(d.done)
	})
	d.wg.Wait()
}
