package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ddirect/container/fifo"

	"github.com/rjboer/tddstream/internal/logging"
	"github.com/rjboer/tddstream/internal/tdd"
)

// Config is the runtime configuration exposed by the hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 100_000
)

func defaultConfig() Config {
	return Config{HistoryLimit: 1000}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 {
		base = defaultConfig()
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	return cfg, nil
}

// Sample is one window result stamped with the host time it was reported.
type Sample struct {
	Timestamp time.Time       `json:"timestamp"`
	Result    tdd.CycleResult `json:"result"`
}

// Stats counts reported windows per direction and outcome.
type Stats struct {
	Started time.Time                                  `json:"started"`
	Total   uint64                                     `json:"total"`
	Counts  map[tdd.Direction]map[tdd.ErrorKind]uint64 `json:"counts"`
}

// Hub keeps a bounded history of window results and fans them out to live
// subscribers. It implements tdd.Reporter and is safe for use from both
// scheduler loops.
type Hub struct {
	mu          sync.RWMutex
	history     fifo.Fifo[Sample]
	config      Config
	subscribers map[chan Sample]struct{}
	total       uint64
	counts      map[tdd.Direction]map[tdd.ErrorKind]uint64
	started     time.Time
	logger      logging.Logger
	now         func() time.Time
}

// NewHub builds a hub that retains historyLimit results (0 selects the default).
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg, err := validateConfig(Config{HistoryLimit: historyLimit}, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	return &Hub{
		config:      cfg,
		subscribers: make(map[chan Sample]struct{}),
		counts:      make(map[tdd.Direction]map[tdd.ErrorKind]uint64),
		started:     time.Now(),
		logger:      logging.OrDefault(logger).With(logging.Subsystem("telemetry")),
		now:         time.Now,
	}
}

// ReportCycle records res and forwards it to subscribers. Slow subscribers
// miss samples rather than stall the scheduler.
func (h *Hub) ReportCycle(res tdd.CycleResult) {
	sample := Sample{Timestamp: h.now(), Result: res}

	h.mu.Lock()
	h.history.Enqueue(sample)
	h.trim()
	h.total++
	byKind := h.counts[res.Direction]
	if byKind == nil {
		byKind = make(map[tdd.ErrorKind]uint64)
		h.counts[res.Direction] = byKind
	}
	byKind[res.Err]++
	for ch := range h.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
	h.mu.Unlock()
}

func (h *Hub) trim() {
	for h.history.Len() > h.config.HistoryLimit {
		h.history.Dequeue()
	}
}

// History returns the retained samples, oldest first.
func (h *Hub) History() []Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := h.history.Len()
	out := make([]Sample, 0, n)
	for i := 0; i < n; i++ {
		s, _ := h.history.Dequeue()
		out = append(out, s)
		h.history.Enqueue(s)
	}
	return out
}

// Stats returns a snapshot of the per-kind counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Started: h.started, Total: h.total, Counts: make(map[tdd.Direction]map[tdd.ErrorKind]uint64, len(h.counts))}
	for dir, byKind := range h.counts {
		cp := make(map[tdd.ErrorKind]uint64, len(byKind))
		for k, v := range byKind {
			cp[k] = v
		}
		st.Counts[dir] = cp
	}
	return st
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Sample, func()) {
	ch := make(chan Sample, 64)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	h.trim()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.History())
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Stats())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()
	h.logger.Info("telemetry config updated", logging.F("history_limit", cfg.HistoryLimit))

	writeJSON(w, cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// replay history so a new client starts with context
	for _, sample := range h.History() {
		writeEvent(w, sample)
	}
	flusher.Flush()

	for {
		select {
		case sample, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, sample)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, sample Sample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}
