// Package eventbus routes persisted events between pipeline stages. Every
// published event is appended to a per-request JSONL file before being
// dispatched to subscribers, so a crash mid-run still leaves a readable
// trail of everything that happened.
package eventbus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler receives a dispatched event. Handlers must not block for long —
// they share a worker pool with every other subscriber on the bus.
type Handler func(Event)

type subscription struct {
	id      uint64
	types   map[string]bool // nil means "all event types"
	handler Handler
}

// Bus is the process-wide event router. Zero value is not usable; construct
// with New.
type Bus struct {
	eventsPath string
	logger     *zap.Logger

	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64

	filesMu sync.Mutex
	files   map[string]*appendFile

	shards []chan dispatchJob
	wg     sync.WaitGroup
}

type appendFile struct {
	mu sync.Mutex
	f  *os.File
}

type dispatchJob struct {
	event Event
	subs  []*subscription
}

// DefaultWorkers is the bounded worker-pool size: enough that one stuck
// handler on one request doesn't starve the others, small enough to keep
// dispatch ordering simple to reason about.
const DefaultWorkers = 8

// New builds a Bus that persists events under eventsPath and dispatches
// through workers goroutines (DefaultWorkers if <= 0). Events for the same
// request id always land on the same worker, so subscribers observe that
// request's events in registration order; ordering across request ids is
// unspecified.
func New(eventsPath string, workers int, logger *zap.Logger) *Bus {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	b := &Bus{
		eventsPath: eventsPath,
		logger:     logger,
		files:      make(map[string]*appendFile),
		shards:     make([]chan dispatchJob, workers),
	}
	for i := range b.shards {
		b.shards[i] = make(chan dispatchJob, 256)
		b.wg.Add(1)
		go b.runWorker(b.shards[i])
	}
	return b
}

func (b *Bus) runWorker(jobs chan dispatchJob) {
	defer b.wg.Done()
	for job := range jobs {
		for _, sub := range job.subs {
			b.invoke(sub, job.event)
		}
	}
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("eventbus: subscriber panicked",
					zap.Any("recovered", r),
					zap.String("event_type", event.EventType),
					zap.String("request_id", event.RequestID))
			}
		}
	}()
	sub.handler(event)
}

// Publish persists and dispatches an event. Dispatch is handed off to the
// worker pool: Publish waits while the target shard's queue is full, and
// returns ctx's error if ctx is done before the event is queued. A persist
// failure is logged, not returned.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if err := b.persist(event); err != nil && b.logger != nil {
		b.logger.Warn("eventbus: persist failed",
			zap.Error(err),
			zap.String("event_type", event.EventType),
			zap.String("request_id", event.RequestID))
	}

	subs := b.matching(event.EventType)
	if len(subs) == 0 {
		return nil
	}
	shard := b.shards[shardFor(event.RequestID, len(b.shards))]
	select {
	case shard <- dispatchJob{event: event, subs: subs}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func shardFor(requestID string, n int) int {
	if requestID == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(requestID))
	return int(h.Sum32()) % n
}

func (b *Bus) matching(eventType string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.types == nil || s.types[eventType] {
			matched = append(matched, s)
		}
	}
	return matched
}

// On subscribes to every event type.
func (b *Bus) On(handler Handler) (unsubscribe func()) {
	return b.subscribe(nil, handler)
}

// OnEventType subscribes to a single event type.
func (b *Bus) OnEventType(eventType string, handler Handler) (unsubscribe func()) {
	return b.subscribe(map[string]bool{eventType: true}, handler)
}

// OnEventTypes subscribes to a set of event types.
func (b *Bus) OnEventTypes(eventTypes []string, handler Handler) (unsubscribe func()) {
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}
	return b.subscribe(types, handler)
}

func (b *Bus) subscribe(types map[string]bool, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	sub := &subscription{id: id, types: types, handler: handler}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) pathFor(requestID string) string {
	return filepath.Join(b.eventsPath, requestID+".jsonl")
}

func (b *Bus) persist(event Event) error {
	if event.RequestID == "" {
		return fmt.Errorf("eventbus: event has no request id")
	}
	af, err := b.fileFor(event.RequestID)
	if err != nil {
		return err
	}
	af.mu.Lock()
	defer af.mu.Unlock()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	_, err = af.f.Write(line)
	return err
}

func (b *Bus) fileFor(requestID string) (*appendFile, error) {
	b.filesMu.Lock()
	defer b.filesMu.Unlock()

	if af, ok := b.files[requestID]; ok {
		return af, nil
	}
	if err := os.MkdirAll(b.eventsPath, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", b.eventsPath, err)
	}
	f, err := os.OpenFile(b.pathFor(requestID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.pathFor(requestID), err)
	}
	af := &appendFile{f: f}
	b.files[requestID] = af
	return af, nil
}

// GetEvents reads a request's event log back in file order. A corrupt line
// is skipped (and logged) rather than failing the whole read.
func (b *Bus) GetEvents(requestID string) ([]Event, error) {
	f, err := os.Open(b.pathFor(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", b.pathFor(requestID), err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			if b.logger != nil {
				b.logger.Warn("eventbus: skipping corrupt event line",
					zap.Error(err), zap.String("request_id", requestID))
			}
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("scan %s: %w", f.Name(), err)
	}
	return events, nil
}

// Close flushes and closes all open per-request files and stops the worker
// pool, draining any in-flight dispatch jobs first.
func (b *Bus) Close() error {
	for _, shard := range b.shards {
		close(shard)
	}
	b.wg.Wait()

	b.filesMu.Lock()
	defer b.filesMu.Unlock()
	var firstErr error
	for _, af := range b.files {
		if err := af.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
