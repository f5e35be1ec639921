package webhooks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/guildgate/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildgate",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Events queued for webhook delivery by event type and outcome.",
	}, []string{"event_type", "outcome"})

	webhookQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guildgate",
		Subsystem: "webhook",
		Name:      "emit_queue_depth",
		Help:      "Events waiting for a delivery worker.",
	})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookQueueDepth)
}

// NewEvent builds an event with a fresh id and timestamp.
func NewEvent(eventType EventType, guildID string, data map[string]any) *Event {
	return &Event{
		ID:        idgen.WithPrefix(idgen.Event),
		Type:      eventType,
		GuildID:   guildID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

const (
	defaultEmitWorkers = 4
	defaultEmitQueue   = 1024
	emitTimeout        = 30 * time.Second
)

// Emitter delivers raid and ban events off the caller's goroutine through a
// fixed worker pool. Enqueueing never blocks: a full queue drops the event.
// Admission decisions go through WebhookNotifier instead, which waits.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	queue  chan *Event
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewEmitter starts workers delivering through d. Call Close to drain them.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Emitter{d: d, logger: logger, queue: make(chan *Event, defaultEmitQueue)}
	for i := 0; i < defaultEmitWorkers; i++ {
		e.wg.Add(1)
		go e.work()
	}
	return e
}

func (e *Emitter) work() {
	defer e.wg.Done()
	for ev := range e.queue {
		webhookQueueDepth.Dec()
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		err := e.d.DispatchSync(ctx, ev)
		cancel()
		if err != nil {
			webhookEmitTotal.WithLabelValues(string(ev.Type), "failed").Inc()
			e.logger.Warn("webhook emit failed", "event", ev.Type, "guild_id", ev.GuildID, "error", err)
			continue
		}
		webhookEmitTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	}
}

// Emit queues ev. It reports false when the event was dropped.
func (e *Emitter) Emit(ev *Event) bool {
	if e == nil || e.d == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.queue <- ev:
		webhookQueueDepth.Inc()
		return true
	default:
		webhookEmitTotal.WithLabelValues(string(ev.Type), "dropped").Inc()
		e.logger.Warn("webhook queue full, dropping event", "event", ev.Type, "guild_id", ev.GuildID)
		return false
	}
}

// EmitRaidTransition emits raid.lockdown when a guild enters lockdown and
// raid.cleared when it leaves.
func (e *Emitter) EmitRaidTransition(guildID string, lockdown bool, data map[string]any) bool {
	et := EventRaidCleared
	if lockdown {
		et = EventRaidLockdown
	}
	return e.Emit(NewEvent(et, guildID, data))
}

// EmitBanRecorded emits ban.recorded.
func (e *Emitter) EmitBanRecorded(guildID string, data map[string]any) bool {
	return e.Emit(NewEvent(EventBanRecorded, guildID, data))
}

// Close stops accepting events and waits for queued ones until ctx ends.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
