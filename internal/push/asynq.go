package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-relay/internal/metrics"
)

// TaskDeliver is the asynq task type carrying one Notification.
const TaskDeliver = "push:deliver"

// DefaultQueue is the asynq queue notifications are enqueued on.
const DefaultQueue = "push"

// AsynqDispatcher enqueues notifications to Redis through asynq. Tasks are
// enqueued with MaxRetry(0).
type AsynqDispatcher struct {
	client *asynq.Client
	queue  string
}

// NewAsynqDispatcher connects to the Redis at redisURL.
func NewAsynqDispatcher(redisURL, queue string) (*AsynqDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &AsynqDispatcher{client: asynq.NewClient(opt), queue: queue}, nil
}

// NewDeliverTask builds the task for n.
func NewDeliverTask(n Notification, queue string) (*asynq.Task, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("asynq: marshal notification: %w", err)
	}
	return asynq.NewTask(TaskDeliver, payload,
		asynq.Queue(queue),
		asynq.MaxRetry(0),
		asynq.TaskID(uuid.NewString()),
		asynq.Retention(time.Hour),
	), nil
}

func (a *AsynqDispatcher) Dispatch(ctx context.Context, n Notification) error {
	task, err := NewDeliverTask(n, a.queue)
	if err != nil {
		return err
	}
	if _, err := a.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("asynq: enqueue: %w", err)
	}
	return nil
}

func (a *AsynqDispatcher) Close() error {
	return a.client.Close()
}

// DeliverHandler processes TaskDeliver tasks.
type DeliverHandler struct {
	Notifier Notifier
	Timeout  time.Duration
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
}

// ProcessTask implements asynq.Handler. Failures skip retry.
func (h *DeliverHandler) ProcessTask(_ context.Context, task *asynq.Task) error {
	var n Notification
	if err := json.Unmarshal(task.Payload(), &n); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", TaskDeliver, err, asynq.SkipRetry)
	}
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	if err := deliver(h.Notifier, n, timeout, h.Logger, h.Metrics); err != nil {
		return errors.Join(err, asynq.SkipRetry)
	}
	return nil
}

// AsynqWorker consumes TaskDeliver tasks.
type AsynqWorker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewAsynqWorker builds a worker against redisURL with the given concurrency.
func NewAsynqWorker(redisURL, queue string, concurrency int, handler *DeliverHandler) (*AsynqWorker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("asynq: parse redis url: %w", err)
	}
	if queue == "" {
		queue = DefaultQueue
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	logger := handler.Logger.With().Str("component", "AsynqWorker").Logger()
	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue: 1},
		Logger:      asynqLogger{logger: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Warn().Err(err).Str("type", task.Type()).Msg("Task failed.")
		}),
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskDeliver, handler)
	return &AsynqWorker{server: srv, mux: mux}, nil
}

// Run starts the worker and blocks until ctx is canceled.
func (w *AsynqWorker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("asynq: start worker: %w", err)
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

// asynqLogger routes asynq's logs into zerolog.
type asynqLogger struct {
	logger zerolog.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.logger.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.logger.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.logger.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.logger.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.logger.Fatal().Msg(fmt.Sprint(args...)) }
