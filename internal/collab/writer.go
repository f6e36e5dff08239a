package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/formsync/formsync/pkg/logger"
	"github.com/formsync/formsync/pkg/metrics"

	apperrors "github.com/formsync/formsync/pkg/errors"
)

// Flush triggers, used as the "trigger" metric label.
const (
	TriggerDebounce = "debounce"
	TriggerForced   = "forced"
	TriggerRetry    = "retry"
	TriggerShutdown = "shutdown"
)

const (
	defaultFlushDelay   = 2 * time.Second
	defaultFlushTimeout = 5 * time.Second
	maxRetryDelay       = time.Minute
)

// WriterOptions tunes the persistence writer.
type WriterOptions struct {
	Delay   time.Duration
	Timeout time.Duration
	// AfterFlush runs after a timer-driven flush succeeds, outside any
	// writer lock.
	AfterFlush func(formID string)
}

// Writer coalesces response updates into debounced durable writes. Every
// write carries the full mapping, so a write can be repeated safely.
type Writer struct {
	store  ResponseStore
	cache  ResponseCache
	timers *Timers
	gates  *keyedLock

	delay      time.Duration
	timeout    time.Duration
	afterFlush func(formID string)

	mu        sync.Mutex
	persisted map[string]uint64
	failures  map[string]int

	log *zap.Logger
}

// NewWriter constructs a writer persisting entries of cache into store.
func NewWriter(store ResponseStore, cache ResponseCache, opts WriterOptions) (*Writer, error) {
	if store == nil {
		return nil, errors.New("writer: response store is required")
	}
	if cache == nil {
		return nil, errors.New("writer: response cache is required")
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultFlushDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFlushTimeout
	}

	return &Writer{
		store:      store,
		cache:      cache,
		timers:     NewTimers(),
		gates:      newKeyedLock(),
		delay:      opts.Delay,
		timeout:    opts.Timeout,
		afterFlush: opts.AfterFlush,
		persisted:  make(map[string]uint64),
		failures:   make(map[string]int),
		log:        logger.WithModule("writer"),
	}, nil
}

// Schedule (re)starts the debounce timer of formID.
func (w *Writer) Schedule(formID string) {
	w.mu.Lock()
	delete(w.failures, formID)
	w.mu.Unlock()

	w.timers.Schedule(formID, w.delay, func() {
		w.flushFromTimer(formID, TriggerDebounce)
	})
}

// FlushNow cancels any pending timer and writes formID immediately. A
// failed write is rescheduled with backoff.
func (w *Writer) FlushNow(ctx context.Context, formID, trigger string) error {
	w.timers.Cancel(formID)

	if err := w.flush(ctx, formID, trigger); err != nil {
		w.retry(formID)
		return err
	}
	return nil
}

// Clean reports whether formID has no pending timer and nothing newer than
// the last successful write.
func (w *Writer) Clean(formID string) bool {
	if w.timers.Pending(formID) {
		return false
	}
	snap, ok := w.cache.Snapshot(formID)
	if !ok {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return snap.Version <= w.persisted[formID]
}

// Forget drops bookkeeping for an evicted form.
func (w *Writer) Forget(formID string) {
	w.timers.Cancel(formID)

	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.persisted, formID)
	delete(w.failures, formID)
}

// Pending returns the number of forms waiting for a timer-driven write.
func (w *Writer) Pending() int {
	return w.timers.Len()
}

// Failing returns the number of forms whose last write failed.
func (w *Writer) Failing() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.failures)
}

// Stop cancels all pending timers without writing.
func (w *Writer) Stop() {
	w.timers.Stop()
}

func (w *Writer) flushFromTimer(formID, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	if err := w.flush(ctx, formID, trigger); err != nil {
		w.retry(formID)
		return
	}
	if w.afterFlush != nil {
		w.afterFlush(formID)
	}
}

func (w *Writer) retry(formID string) {
	w.mu.Lock()
	attempt := w.failures[formID]
	w.failures[formID] = attempt + 1
	w.mu.Unlock()

	backoff := maxRetryDelay
	if attempt < 16 {
		if d := w.delay << attempt; d < maxRetryDelay {
			backoff = d
		}
	}

	w.log.Warn("scheduling response write retry",
		zap.String("form_id", formID),
		zap.Int("attempt", attempt+1),
		zap.Duration("backoff", backoff))

	w.timers.Schedule(formID, backoff, func() {
		w.flushFromTimer(formID, TriggerRetry)
	})
}

func (w *Writer) flush(ctx context.Context, formID, trigger string) error {
	release, err := w.gates.Acquire(ctx, formID)
	if err != nil {
		metrics.Flushes.WithLabelValues(trigger, "timeout").Inc()
		return apperrors.ErrPersistence.WithInternal(err)
	}
	defer release()

	return w.write(ctx, formID, trigger)
}

func (w *Writer) write(ctx context.Context, formID, trigger string) error {
	snap, ok := w.cache.Snapshot(formID)
	if !ok {
		return nil
	}

	// An entry that was never loaded only holds this session's edits;
	// writing it as-is would erase the stored fields nobody touched.
	if !snap.Hydrated {
		base, _, err := w.store.GetResponse(ctx, formID)
		if err != nil {
			metrics.Flushes.WithLabelValues(trigger, "error").Inc()
			w.log.Error("failed to load response before write", zap.String("form_id", formID), zap.Error(err))
			return apperrors.ErrPersistence.WithInternal(err)
		}
		if snap, ok = w.cache.Hydrate(formID, base); !ok {
			return nil
		}
	}

	w.mu.Lock()
	upToDate := snap.Version <= w.persisted[formID]
	w.mu.Unlock()
	if upToDate {
		return nil
	}

	start := time.Now()
	err := w.store.PutResponse(ctx, formID, snap.Data)
	metrics.FlushLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.Flushes.WithLabelValues(trigger, "error").Inc()
		w.log.Error("failed to write response",
			zap.String("form_id", formID),
			zap.String("trigger", trigger),
			zap.Error(err))
		return apperrors.ErrPersistence.WithInternal(err)
	}
	metrics.Flushes.WithLabelValues(trigger, "ok").Inc()

	w.mu.Lock()
	if snap.Version > w.persisted[formID] {
		w.persisted[formID] = snap.Version
	}
	delete(w.failures, formID)
	w.mu.Unlock()

	w.log.Debug("response written",
		zap.String("form_id", formID),
		zap.String("trigger", trigger),
		zap.Int("fields", len(snap.Data)))
	return nil
}
