package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/courier/internal/bus"
	"github.com/matheus3301/courier/internal/model"
	"github.com/matheus3301/courier/internal/protocol"
	"github.com/matheus3301/courier/internal/store"
	"go.uber.org/zap"
)

// ErrNotFailed is returned by Retry for messages that are not in the failed state.
var ErrNotFailed = errors.New("message is not failed")

// Sender delivers one payload to the relay and waits for its ack.
type Sender interface {
	Send(ctx context.Context, p protocol.Payload, timeout time.Duration) (*protocol.Ack, error)
}

// Store is the durable side of the queue.
type Store interface {
	Put(m *model.Message) error
	Get(id string) (*model.Message, error)
	UpdateStatus(id string, s model.Status) error
	GetPendingForQueue() ([]model.Message, error)
	SaveQueueMeta(id string, q model.QueueMeta) error
	ClearQueueMeta(id string) error
	MarkFailed(id string, q model.QueueMeta) error
	ResetForRetry(id string) error
}

// Config tunes the engine.
type Config struct {
	Concurrency int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	SendTimeout time.Duration
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		Concurrency: 3,
		MaxRetries:  5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.3,
		SendTimeout: 10 * time.Second,
	}
}

// Stats is a snapshot of the queue, published on every change.
type Stats struct {
	Size   int  `json:"size"`
	Active int  `json:"active"`
	Errors int  `json:"errors"`
	Paused bool `json:"paused"`
}

// StatusEvent reports a status the engine moved a message to.
type StatusEvent struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Status         model.Status     `json:"status"`
	RetryCount     int              `json:"retryCount"`
	Error          string           `json:"error,omitempty"`
	Class          model.ErrorClass `json:"errorClass,omitempty"`
}

type entry struct {
	msg   model.Message
	meta  model.QueueMeta
	timer *time.Timer
}

// Engine sends queued messages to the relay with bounded concurrency and
// exponential backoff. Every message is persisted before it is queued, so a
// restart resumes from the store.
type Engine struct {
	cfg     Config
	store   Store
	sender  Sender
	bus     *bus.Bus
	logger  *zap.Logger
	backoff *Backoff

	mu      sync.Mutex
	entries map[string]*entry
	ready   []string
	active  int
	errors  int
	paused  bool
	running bool

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates a stopped engine.
func NewEngine(cfg Config, st Store, sender Sender, b *bus.Bus, logger *zap.Logger) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(def.MaxDelay, cfg.BaseDelay)
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = def.Jitter
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		sender:  sender,
		bus:     b,
		logger:  logger,
		backoff: NewBackoff(cfg.BaseDelay, cfg.MaxDelay, cfg.Jitter),
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Start reloads unfinished messages from the store and begins sending.
// Messages caught mid-send by a crash go back to pending.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	msgs, err := e.store.GetPendingForQueue()
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	now := time.Now()
	for _, m := range msgs {
		if m.Status == model.StatusSending {
			if err := e.store.UpdateStatus(m.ID, model.StatusPending); err != nil {
				e.logger.Error("failed to rewind interrupted send", zap.String("id", m.ID), zap.Error(err))
				continue
			}
			m.Status = model.StatusPending
		}
		meta := model.QueueMeta{EnqueuedAt: now}
		if m.Queue != nil {
			meta = *m.Queue
		}
		m.Queue = nil
		e.mu.Lock()
		if _, ok := e.entries[m.ID]; !ok {
			e.entries[m.ID] = &entry{msg: m, meta: meta}
			e.ready = append(e.ready, m.ID)
		}
		e.mu.Unlock()
	}
	if len(msgs) > 0 {
		e.logger.Info("queue restored", zap.Int("messages", len(msgs)))
	}

	e.wg.Add(1)
	go e.loop()
	e.signal()
	e.publishStats()
	return nil
}

// Stop halts dispatching and waits for in-flight attempts to return.
// Interrupted messages stay pending in the store and are reloaded by the next Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	for _, ent := range e.entries {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.wg.Wait()

	e.mu.Lock()
	e.entries = make(map[string]*entry)
	e.ready = nil
	e.active = 0
	e.mu.Unlock()
}

// Enqueue persists m as pending and schedules it. It reports false without
// error when the message is already queued or was already accepted.
func (e *Engine) Enqueue(m model.Message) (bool, error) {
	if m.ConversationID == "" {
		m.ConversationID = model.ConversationID(m.SenderID, m.RecipientID)
	}
	if err := m.Validate(); err != nil {
		return false, err
	}

	e.mu.Lock()
	if _, ok := e.entries[m.ID]; ok {
		e.mu.Unlock()
		return false, nil
	}
	// Reserve the id so a concurrent Enqueue of the same message is a no-op.
	e.entries[m.ID] = &entry{}
	e.mu.Unlock()

	release := func() {
		e.mu.Lock()
		delete(e.entries, m.ID)
		e.mu.Unlock()
	}

	if m.CorrelationID == "" {
		m.CorrelationID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.Status = model.StatusPending
	m.Queue = nil
	if err := e.store.Put(&m); err != nil {
		release()
		return false, fmt.Errorf("persist message: %w", err)
	}
	stored, err := e.store.Get(m.ID)
	if err != nil {
		release()
		return false, err
	}
	if stored.Status != model.StatusPending {
		// Already handled in an earlier life of this message.
		release()
		return false, nil
	}
	meta := model.QueueMeta{EnqueuedAt: time.Now()}
	if err := e.store.SaveQueueMeta(m.ID, meta); err != nil {
		release()
		return false, fmt.Errorf("persist queue meta: %w", err)
	}
	stored.Queue = nil

	e.mu.Lock()
	e.entries[m.ID] = &entry{msg: *stored, meta: meta}
	e.ready = append(e.ready, m.ID)
	e.mu.Unlock()

	e.publishStatus(stored, model.StatusPending, meta)
	e.signal()
	e.publishStats()
	return true, nil
}

// Retry puts a failed message back in the queue with a fresh retry budget.
func (e *Engine) Retry(id string) error {
	e.mu.Lock()
	if _, ok := e.entries[id]; ok {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	m, err := e.store.Get(id)
	if err != nil {
		return err
	}
	if m.Status != model.StatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, id, m.Status)
	}
	if err := e.store.ResetForRetry(id); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return fmt.Errorf("%w: %s", ErrNotFailed, id)
		}
		return err
	}
	m.Status = model.StatusPending
	meta := model.QueueMeta{EnqueuedAt: time.Now()}
	m.Queue = nil

	e.mu.Lock()
	if _, ok := e.entries[id]; !ok {
		e.entries[id] = &entry{msg: *m, meta: meta}
		e.ready = append(e.ready, id)
		if e.errors > 0 {
			e.errors--
		}
	}
	e.mu.Unlock()

	e.logger.Info("message requeued", zap.String("id", id))
	e.publishStatus(m, model.StatusPending, meta)
	e.signal()
	e.publishStats()
	return nil
}

// Pause stops new attempts from starting. Queued messages are kept.
func (e *Engine) Pause() {
	e.mu.Lock()
	changed := !e.paused
	e.paused = true
	e.mu.Unlock()
	if changed {
		e.logger.Info("queue paused")
		e.publishStats()
	}
}

// Resume lets queued messages flow again.
func (e *Engine) Resume() {
	e.mu.Lock()
	changed := e.paused
	e.paused = false
	e.mu.Unlock()
	if changed {
		e.logger.Info("queue resumed")
		e.signal()
		e.publishStats()
	}
}

// Stats returns the current queue snapshot.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

func (e *Engine) statsLocked() Stats {
	return Stats{Size: len(e.entries), Active: e.active, Errors: e.errors, Paused: e.paused}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
			e.dispatch()
		}
	}
}

func (e *Engine) dispatch() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.paused && e.running && e.active < e.cfg.Concurrency && len(e.ready) > 0 {
		id := e.ready[0]
		e.ready = e.ready[1:]
		ent, ok := e.entries[id]
		if !ok || ent.msg.ID == "" {
			continue
		}
		e.active++
		e.wg.Add(1)
		go e.run(ent)
	}
}

func (e *Engine) run(ent *entry) {
	defer e.wg.Done()
	e.attempt(ent)

	e.mu.Lock()
	e.active--
	e.mu.Unlock()
	e.signal()
	e.publishStats()
}

func (e *Engine) attempt(ent *entry) {
	id := ent.msg.ID
	log := e.logger.With(zap.String("id", id), zap.Int("retry", ent.meta.RetryCount))

	cur, err := e.store.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("queued message no longer stored, dropping")
		e.remove(id)
		return
	}
	if err != nil {
		e.fail(ent, err, model.ErrorUnknown)
		return
	}
	switch {
	case cur.Status.Acknowledged():
		// The relay's echo got here before our ack.
		e.succeed(ent)
		return
	case cur.Status == model.StatusFailed:
		e.remove(id)
		return
	case cur.Status == model.StatusPending:
		if err := e.store.UpdateStatus(id, model.StatusSending); err != nil {
			e.fail(ent, err, model.ErrorUnknown)
			return
		}
	}

	ent.meta.LastAttemptAt = time.Now()
	if err := e.store.SaveQueueMeta(id, ent.meta); err != nil {
		log.Warn("failed to save queue meta", zap.Error(err))
	}
	e.publishStatus(cur, model.StatusSending, ent.meta)

	msg := *cur
	msg.Status = model.StatusSending
	msg.Queue = nil
	_, err = e.sender.Send(e.ctx, protocol.NewSend(msg), e.cfg.SendTimeout)
	if err == nil {
		e.succeed(ent)
		return
	}
	class := Classify(err)
	if class == model.ErrorDuplicate {
		log.Info("relay already has message, treating as sent")
		e.succeed(ent)
		return
	}
	if e.ctx.Err() != nil {
		// Shutting down: leave it for the next start.
		_ = e.store.UpdateStatus(id, model.StatusPending)
		return
	}
	e.fail(ent, err, class)
}

func (e *Engine) succeed(ent *entry) {
	id := ent.msg.ID
	if err := e.store.UpdateStatus(id, model.StatusSent); err != nil && !errors.Is(err, model.ErrInvalidTransition) {
		e.logger.Error("failed to mark sent", zap.String("id", id), zap.Error(err))
	}
	if err := e.store.ClearQueueMeta(id); err != nil {
		e.logger.Warn("failed to clear queue meta", zap.String("id", id), zap.Error(err))
	}
	e.remove(id)
	e.logger.Info("message sent", zap.String("id", id), zap.Int("retries", ent.meta.RetryCount))
	e.publishStatus(&ent.msg, model.StatusSent, model.QueueMeta{RetryCount: ent.meta.RetryCount})
}

func (e *Engine) fail(ent *entry, cause error, class model.ErrorClass) {
	id := ent.msg.ID
	log := e.logger.With(zap.String("id", id), zap.String("class", string(class)))

	e.mu.Lock()
	paused := e.paused
	e.mu.Unlock()
	if paused && (class == model.ErrorNetwork || class == model.ErrorTimeout) {
		// Lost the connection mid-send; the attempt does not count.
		ent.meta.LastError = cause.Error()
		ent.meta.ErrorClass = class
		e.requeue(ent, 0)
		log.Info("send interrupted by disconnect, requeued", zap.Error(cause))
		return
	}

	ent.meta.RetryCount++
	ent.meta.LastError = cause.Error()
	ent.meta.ErrorClass = class

	if !class.Retryable() || ent.meta.RetryCount >= e.cfg.MaxRetries {
		if err := e.store.MarkFailed(id, ent.meta); err != nil {
			log.Error("failed to mark failed", zap.Error(err))
		}
		e.remove(id)
		e.mu.Lock()
		e.errors++
		e.mu.Unlock()
		log.Warn("message failed", zap.Int("attempts", ent.meta.RetryCount), zap.Error(cause))
		e.publishStatus(&ent.msg, model.StatusFailed, ent.meta)
		return
	}

	delay := e.backoff.Delay(ent.meta.RetryCount - 1)
	log.Info("send failed, retrying", zap.Int("attempt", ent.meta.RetryCount), zap.Duration("delay", delay), zap.Error(cause))
	e.requeue(ent, delay)
}

// requeue returns ent to pending and makes it ready again after delay.
func (e *Engine) requeue(ent *entry, delay time.Duration) {
	id := ent.msg.ID
	if err := e.store.UpdateStatus(id, model.StatusPending); err != nil {
		e.logger.Warn("failed to reset to pending", zap.String("id", id), zap.Error(err))
	}
	if err := e.store.SaveQueueMeta(id, ent.meta); err != nil {
		e.logger.Warn("failed to save queue meta", zap.String("id", id), zap.Error(err))
	}
	e.publishStatus(&ent.msg, model.StatusPending, ent.meta)

	ready := func() {
		e.mu.Lock()
		if cur, ok := e.entries[id]; ok && cur == ent {
			ent.timer = nil
			e.ready = append(e.ready, id)
		}
		e.mu.Unlock()
		e.signal()
	}
	if delay <= 0 {
		ready()
		return
	}
	e.mu.Lock()
	ent.timer = time.AfterFunc(delay, ready)
	e.mu.Unlock()
}

func (e *Engine) remove(id string) {
	e.mu.Lock()
	if ent, ok := e.entries[id]; ok && ent.timer != nil {
		ent.timer.Stop()
	}
	delete(e.entries, id)
	e.mu.Unlock()
}

func (e *Engine) publishStats() {
	if e.bus == nil {
		return
	}
	e.bus.Emit(bus.KindQueueStats, e.Stats())
}

func (e *Engine) publishStatus(m *model.Message, s model.Status, meta model.QueueMeta) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(bus.KindQueueStatus, StatusEvent{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Status:         s,
		RetryCount:     meta.RetryCount,
		Error:          meta.LastError,
		Class:          meta.ErrorClass,
	})
}
