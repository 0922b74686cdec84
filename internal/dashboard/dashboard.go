// Package dashboard implements the Snapshot & Broadcast component: it
// aggregates state from the Risk Manager, Position Manager, and Trading
// Loop's signal history into an immutable snapshot once a second and pushes
// it to every connected observer over a WebSocket (spec §4.H, §6). Grounded
// directly on risk_dashboard.go's gorilla/mux + gorilla/websocket server,
// its metricsCollector/clientBroadcaster goroutine pair, and its
// client-set-under-mutex bookkeeping, generalized from a risk-only payload
// to the full snapshot schema the spec names in §6.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"scalper/internal/model"
)

const (
	broadcastInterval = time.Second

	// pnlHistoryCap bounds the performance-chart series pushed to
	// observers, one total-P&L sample per broadcast.
	pnlHistoryCap = 50
)

// PositionView is the subset of a Position the snapshot exposes.
type PositionView struct {
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	EntryPrice    float64   `json:"entry_price"`
	Quantity      float64   `json:"quantity"`
	CurrentPrice  float64   `json:"current_price"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	OpenedAt      time.Time `json:"opened_at"`
}

// SignalView is the subset of a Signal the snapshot exposes.
type SignalView struct {
	Symbol    string    `json:"symbol"`
	Direction string    `json:"direction"`
	Strength  float64   `json:"strength"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the exact payload shape of spec §6: "timestamp, connected,
// environment, balance, total_pnl, daily_pnl, active_positions[],
// recent_signals[], pnl_history[], win_rate, trade_count, uptime_seconds,
// update_count, connection_generation".
type Snapshot struct {
	Timestamp            time.Time      `json:"timestamp"`
	Connected            bool           `json:"connected"`
	Environment          string         `json:"environment"`
	Balance              float64        `json:"balance"`
	TotalPnL             float64        `json:"total_pnl"`
	DailyPnL             float64        `json:"daily_pnl"`
	ActivePositions      []PositionView `json:"active_positions"`
	RecentSignals        []SignalView   `json:"recent_signals"`
	PnLHistory           []float64      `json:"pnl_history"`
	WinRate              float64        `json:"win_rate"`
	TradeCount           int            `json:"trade_count"`
	UptimeSeconds        float64        `json:"uptime_seconds"`
	UpdateCount          uint64         `json:"update_count"`
	ConnectionGeneration uint64         `json:"connection_generation"`

	// Errors carries the stream's cumulative failure counters so observers
	// can see outages reflected alongside connected=false.
	Errors map[string]uint64 `json:"errors"`

	// CircuitBreakers reports each admission breaker's tripped state.
	CircuitBreakers map[string]bool `json:"circuit_breakers"`
}

// recentSignalCount is how many of the most recent signals the snapshot
// carries (spec §4.H "K=20" view over the trading loop's capped history).
const recentSignalCount = 20

// RiskSource is the subset of risk.Manager the broadcaster reads.
type RiskSource interface {
	Snapshot() model.Ledger
	CircuitBreakerStatus() map[string]bool
}

// PositionSource is the subset of position.Manager the broadcaster reads.
type PositionSource interface {
	Snapshot() map[string]model.Position
}

// LoopSource is the subset of trading.Loop the broadcaster reads.
type LoopSource interface {
	Connected() bool
	Generation() uint64
	Uptime() time.Duration
	RecentSignals(n int) []model.Signal
	MalformedCount() uint64
	ReconnectCount() uint64
}

// Broadcaster serves the dashboard's HTTP/WebSocket surface: a JSON
// snapshot endpoint, a push channel at `/ws`, and the Prometheus `/metrics`
// endpoint. New connections receive the latest snapshot immediately (spec
// §4.H "late-joiner gets latest snapshot immediately").
type Broadcaster struct {
	risk        RiskSource
	positions   PositionSource
	loop        LoopSource
	environment string

	server   *http.Server
	upgrader websocket.Upgrader

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]bool

	latestMu sync.RWMutex
	latest   Snapshot

	pnlHistoryMu sync.Mutex
	pnlHistory   []float64

	updateCount uint64
}

// New builds a Broadcaster listening on the given port.
func New(port int, environment string, risk RiskSource, positions PositionSource, loop LoopSource) *Broadcaster {
	b := &Broadcaster{
		risk:        risk,
		positions:   positions,
		loop:        loop,
		environment: environment,
		upgrader:    websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:     make(map[*websocket.Conn]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", b.handleIndex).Methods(http.MethodGet)
	r.HandleFunc("/api/snapshot", b.handleSnapshotAPI).Methods(http.MethodGet)
	r.HandleFunc("/ws", b.handleWebSocket).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	b.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return b
}

// Run starts the HTTP server and the 1 Hz snapshot/broadcast loop, blocking
// until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("dashboard: graceful shutdown failed")
		}
	}()

	go func() {
		log.Info().Str("address", b.server.Addr).Msg("dashboard: starting server")
		if err := b.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("dashboard: server failed")
		}
	}()

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAllClients()
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

// tick builds the snapshot and pushes it to every connected observer. Runs
// at 1 Hz regardless of whether any observer is connected, per spec §6
// "continues internally at 1 Hz regardless for history tracking".
func (b *Broadcaster) tick() {
	snap := b.buildSnapshot()

	b.latestMu.Lock()
	b.latest = snap
	b.latestMu.Unlock()

	b.broadcast(snap)
}

func (b *Broadcaster) buildSnapshot() Snapshot {
	b.updateCount++

	ledger := b.risk.Snapshot()
	positions := b.positions.Snapshot()

	active := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		active = append(active, PositionView{
			Symbol:        p.Symbol,
			Side:          string(p.Side),
			EntryPrice:    p.EntryPrice,
			Quantity:      p.Quantity,
			CurrentPrice:  p.CurrentPrice,
			UnrealizedPnL: p.UnrealizedPnL,
			OpenedAt:      p.OpenedAt,
		})
	}

	sigs := b.loop.RecentSignals(recentSignalCount)
	recent := make([]SignalView, 0, len(sigs))
	for _, s := range sigs {
		recent = append(recent, SignalView{
			Symbol:    s.Symbol,
			Direction: string(s.Direction),
			Strength:  s.Strength,
			Timestamp: s.Timestamp,
		})
	}

	b.pnlHistoryMu.Lock()
	b.pnlHistory = append(b.pnlHistory, ledger.TotalPnL)
	if len(b.pnlHistory) > pnlHistoryCap {
		b.pnlHistory = b.pnlHistory[len(b.pnlHistory)-pnlHistoryCap:]
	}
	pnlHistory := make([]float64, len(b.pnlHistory))
	copy(pnlHistory, b.pnlHistory)
	b.pnlHistoryMu.Unlock()

	return Snapshot{
		Timestamp:            time.Now(),
		Connected:            b.loop.Connected(),
		Environment:          b.environment,
		Balance:              ledger.CurrentBalance,
		TotalPnL:             ledger.TotalPnL,
		DailyPnL:             ledger.DailyPnL,
		ActivePositions:      active,
		RecentSignals:        recent,
		PnLHistory:           pnlHistory,
		WinRate:              ledger.WinRate(),
		TradeCount:           ledger.TradeCount,
		UptimeSeconds:        b.loop.Uptime().Seconds(),
		UpdateCount:          b.updateCount,
		ConnectionGeneration: b.loop.Generation(),
		Errors: map[string]uint64{
			"stream_reconnects":  b.loop.ReconnectCount(),
			"malformed_messages": b.loop.MalformedCount(),
		},
		CircuitBreakers: b.risk.CircuitBreakerStatus(),
	}
}

func (b *Broadcaster) broadcast(snap Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		log.Error().Err(err).Msg("dashboard: failed to marshal snapshot")
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()
	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Msg("dashboard: failed to push to client, will be dropped on next read error")
		}
	}
}

func (b *Broadcaster) closeAllClients() {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for conn := range b.clients {
		conn.Close()
	}
	b.clients = make(map[*websocket.Conn]bool)
}

// indexHTML is a bare status page that tails the /ws feed. The real
// dashboard UI lives outside this process; this page exists for quick
// operator checks.
const indexHTML = `<!DOCTYPE html>
<html>
<head><title>Scalper</title></head>
<body>
<h3>Scalper engine</h3>
<pre id="snap">connecting...</pre>
<script>
const ws = new WebSocket("ws://" + location.host + "/ws");
ws.onmessage = (e) => {
  document.getElementById("snap").textContent = JSON.stringify(JSON.parse(e.data), null, 2);
};
ws.onclose = () => {
  document.getElementById("snap").textContent = "disconnected";
};
</script>
</body>
</html>`

func (b *Broadcaster) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, indexHTML)
}

func (b *Broadcaster) handleSnapshotAPI(w http.ResponseWriter, r *http.Request) {
	b.latestMu.RLock()
	snap := b.latest
	b.latestMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Error().Err(err).Msg("dashboard: failed to encode snapshot response")
	}
}

// handleWebSocket upgrades to a persistent connection and immediately sends
// the latest snapshot, per spec §4.H "a newly connected observer receives
// the current snapshot immediately, not waiting for the next tick."
func (b *Broadcaster) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("dashboard: failed to upgrade connection")
		return
	}

	b.clientsMu.Lock()
	b.clients[conn] = true
	b.clientsMu.Unlock()

	b.latestMu.RLock()
	snap := b.latest
	b.latestMu.RUnlock()
	if data, err := json.Marshal(snap); err == nil {
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.clientsMu.Lock()
	delete(b.clients, conn)
	b.clientsMu.Unlock()
	conn.Close()
}
