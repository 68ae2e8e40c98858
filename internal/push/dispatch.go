package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-relay/internal/metrics"
)

var (
	// ErrQueueFull is returned when the local queue cannot take more work.
	ErrQueueFull = errors.New("push: dispatch queue full")
	// ErrDispatcherClosed is returned after Close.
	ErrDispatcherClosed = errors.New("push: dispatcher closed")
)

// Dispatcher hands notifications to a side channel so the caller never
// waits on a provider.
type Dispatcher interface {
	Dispatch(ctx context.Context, n Notification) error
	Close() error
}

// LocalOptions tunes a LocalDispatcher.
type LocalOptions struct {
	Workers    int
	QueueSize  int
	RatePerSec float64       // sends per second across workers; <= 0 disables the limit
	Timeout    time.Duration // per send
}

// LocalDispatcher runs notifications on a bounded in-process worker pool.
// Failures are logged per recipient and never retried.
type LocalDispatcher struct {
	notifier Notifier
	queue    chan Notification
	limiter  *rate.Limiter
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewLocalDispatcher starts opts.Workers workers.
func NewLocalDispatcher(notifier Notifier, opts LocalOptions, logger zerolog.Logger, m *metrics.Metrics) *LocalDispatcher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultProviderTimeout
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	d := &LocalDispatcher{
		notifier: notifier,
		queue:    make(chan Notification, opts.QueueSize),
		limiter:  rate.NewLimiter(limit, opts.Workers),
		timeout:  opts.Timeout,
		logger:   logger.With().Str("component", "PushDispatcher").Logger(),
		metrics:  m,
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

// Dispatch enqueues n without blocking.
func (d *LocalDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.queue <- n:
		return nil
	default:
		d.metrics.NotificationsDropped.Inc()
		d.logger.Warn().Str("conversation", n.ConversationKey).Msg("Push queue full, notification dropped.")
		return ErrQueueFull
	}
}

// Close stops accepting work and waits for queued notifications to finish.
func (d *LocalDispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
	return nil
}

func (d *LocalDispatcher) work() {
	defer d.wg.Done()
	for n := range d.queue {
		if err := d.limiter.Wait(context.Background()); err != nil {
			d.logger.Error().Err(err).Msg("Push rate limiter failed.")
		}
		deliver(d.notifier, n, d.timeout, d.logger, d.metrics)
	}
}

// deliver sends one notification and records the outcome.
func deliver(notifier Notifier, n Notification, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	provider := ProviderFor(n.DeliveryAddress)
	err := notifier.Notify(ctx, n)
	m.Notifications.WithLabelValues(provider, metrics.Result(err)).Inc()
	if err != nil {
		logger.Error().Err(err).
			Str("provider", provider).
			Str("address", n.DeliveryAddress).
			Str("conversation", n.ConversationKey).
			Msg("Push notification failed.")
		return err
	}
	logger.Debug().Str("provider", provider).Str("conversation", n.ConversationKey).Msg("Push notification sent.")
	return nil
}
