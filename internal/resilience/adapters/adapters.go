// Package adapters owns outbound webhook deliveries: each configured
// adapter subscribes to the event bus for a set of event types and POSTs
// the event payload to an external URL, falling back to the dead-letter
// queue when the POST fails.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/forgepipe/conductor/internal/eventbus"
	"github.com/forgepipe/conductor/internal/resilience/dlq"
)

// Config describes one outbound webhook adapter.
type Config struct {
	Name       string
	URL        string
	EventTypes []string // nil subscribes to every event type
	TimeoutMs  int
}

func (c Config) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Manager owns a set of adapters, each wired to the bus and backed by its
// own dead-letter queue for failed deliveries.
type Manager struct {
	bus        *eventbus.Bus
	client     *http.Client
	logger     *zap.Logger
	unsubs     []func()
	adapterDLQ map[string]*dlq.Queue
}

// NewManager builds a Manager with no adapters registered yet; call
// Register once per configured adapter.
func NewManager(bus *eventbus.Bus, logger *zap.Logger) *Manager {
	return &Manager{
		bus:        bus,
		client:     &http.Client{},
		logger:     logger,
		adapterDLQ: make(map[string]*dlq.Queue),
	}
}

// Register wires cfg's adapter to the bus, returning the Queue backing its
// failed deliveries (exposed so a sweeper goroutine can drive retries).
func (m *Manager) Register(cfg Config, dlqBaseDir string, dlqCfg dlq.Config) *dlq.Queue {
	q := dlq.NewQueue(dlqBaseDir+"/"+cfg.Name, dlqCfg, m.logger)
	m.adapterDLQ[cfg.Name] = q

	handler := func(event eventbus.Event) {
		m.deliver(cfg, q, event)
	}

	var unsub func()
	if len(cfg.EventTypes) == 0 {
		unsub = m.bus.On(handler)
	} else {
		unsub = m.bus.OnEventTypes(cfg.EventTypes, handler)
	}
	m.unsubs = append(m.unsubs, unsub)
	return q
}

func (m *Manager) deliver(cfg Config, q *dlq.Queue, event eventbus.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		if m.logger != nil {
			m.logger.Error("adapters: failed to marshal event", zap.String("adapter", cfg.Name), zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
	defer cancel()

	if err := m.post(ctx, cfg, payload); err != nil {
		if m.logger != nil {
			m.logger.Warn("adapters: delivery failed, enqueuing to dlq",
				zap.String("adapter", cfg.Name), zap.Error(err))
		}
		if _, qErr := q.Enqueue(payload); qErr != nil && m.logger != nil {
			m.logger.Error("adapters: failed to enqueue dlq entry", zap.String("adapter", cfg.Name), zap.Error(qErr))
		}
	}
}

func (m *Manager) post(ctx context.Context, cfg Config, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("adapters: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("adapters: post %s: %w", cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("adapters: %s returned status %d", cfg.Name, resp.StatusCode)
	}
	return nil
}

// Sweep drives every registered adapter's dead-letter queue once, retrying
// due entries via the adapter's own delivery function.
func (m *Manager) Sweep(ctx context.Context, configs map[string]Config) {
	for name, q := range m.adapterDLQ {
		cfg, ok := configs[name]
		if !ok {
			continue
		}
		err := q.Sweep(ctx, func(ctx context.Context, payload json.RawMessage) error {
			return m.post(ctx, cfg, payload)
		})
		if err != nil && m.logger != nil {
			m.logger.Error("adapters: sweep failed", zap.String("adapter", name), zap.Error(err))
		}
	}
}

// Close unsubscribes every adapter from the bus.
func (m *Manager) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
}
