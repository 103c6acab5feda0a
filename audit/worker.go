package audit

import (
	"context"
	"log/slog"
	"sync"
)

// Worker drains a buffered channel of events into an EventLogger.
type Worker struct {
	eventCh chan Event
	store   EventLogger
	logger  *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorker(store EventLogger, bufferSize int, logger *slog.Logger) *Worker {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		eventCh: make(chan Event, bufferSize),
		store:   store,
		logger:  logger.With("component", "audit"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ctx.Done():
				w.logger.Info("draining events before shutdown", "remaining_events", len(w.eventCh))
				for len(w.eventCh) > 0 {
					event := <-w.eventCh
					if err := w.store.Save(context.Background(), event); err != nil {
						w.logger.Error("failed to save event during shutdown", "error", err, "event_type", event.Type)
					}
				}
				return
			case event := <-w.eventCh:
				if err := w.store.Save(w.ctx, event); err != nil {
					w.logger.Error("failed to save event", "error", err, "event_type", event.Type)
				}
			}
		}
	}()
}

// Log enqueues an event. A full buffer drops the event with a warning.
func (w *Worker) Log(event Event) {
	select {
	case w.eventCh <- event:
	default:
		w.logger.Warn("event channel full, dropping event", "event_type", event.Type)
	}
}

// Shutdown stops the worker after saving whatever is buffered.
func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
