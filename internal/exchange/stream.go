package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"scalper/internal/model"
)

const (
	defaultPingInterval = 20 * time.Second
	pongTimeout         = 10 * time.Second
	reconnectSleep      = 2 * time.Second
)

// StreamHandlers are the callbacks the Trading Loop wires into a Stream
// (spec §4.B contract: onTick, onReconnect, onMalformed). OnDisconnect
// fires whenever the connection drops, before the reconnect sleep, so the
// Trading Loop can gate admission on connected==false during outages
// (spec §7 "trading admission is gated on connected=true").
type StreamHandlers struct {
	OnTick       func(model.Tick)
	OnReconnect  func(generation uint64)
	OnDisconnect func(err error)
	OnMalformed  func(raw []byte, err error)
}

// Stream is a single multiplexed connection to the combined ticker stream
// for a set of symbols (spec §4.B, §6). On any close or parse error it
// sleeps 2s and reopens, and reports a monotonically increasing connection
// generation so consumers can detect a gap and re-sync.
type Stream struct {
	wsURL        string
	symbols      []string
	pingInterval time.Duration
	backoff      time.Duration

	generation uint64
	malformed  uint64
	reconnects uint64
}

// NewStream builds a Stream for the combined-stream endpoint
// `/stream?streams=<symbol>@ticker/...` (spec §6). A nonpositive
// pingInterval selects the default 20s cadence.
func NewStream(wsURL string, symbols []string, pingInterval time.Duration) *Stream {
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Stream{
		wsURL:        wsURL,
		symbols:      symbols,
		pingInterval: pingInterval,
		backoff:      reconnectSleep,
	}
}

// Generation returns the current connection generation, starting at 0
// before the first successful dial.
func (s *Stream) Generation() uint64 {
	return atomic.LoadUint64(&s.generation)
}

// MalformedCount returns the total number of messages discarded for
// failing to parse.
func (s *Stream) MalformedCount() uint64 {
	return atomic.LoadUint64(&s.malformed)
}

// ReconnectCount returns the total number of reconnect attempts made.
func (s *Stream) ReconnectCount() uint64 {
	return atomic.LoadUint64(&s.reconnects)
}

func (s *Stream) streamURL() string {
	parts := make([]string, len(s.symbols))
	for i, sym := range s.symbols {
		parts[i] = strings.ToLower(sym) + "@ticker"
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.wsURL, strings.Join(parts, "/"))
}

// Run connects and reconnects until ctx is cancelled, invoking handlers for
// every tick, reconnect, disconnect, and malformed message (spec §4.B
// reliability requirements: automatic reconnect after a fixed backoff sleep;
// OnDisconnect lets the Trading Loop pause admission and OnReconnect
// resumes it).
func (s *Stream) Run(ctx context.Context, h StreamHandlers) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.runOnce(ctx, h)
		if ctx.Err() != nil {
			return
		}
		atomic.AddUint64(&s.reconnects, 1)
		if h.OnDisconnect != nil {
			h.OnDisconnect(err)
		}
		log.Warn().Err(err).Dur("backoff", s.backoff).Msg("exchange: stream disconnected, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.backoff):
		}
	}
}

func (s *Stream) runOnce(ctx context.Context, h StreamHandlers) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	gen := atomic.AddUint64(&s.generation, 1)
	if h.OnReconnect != nil {
		h.OnReconnect(gen)
	}

	// A healthy peer answers each ping within pongTimeout, so the longest
	// silence a live connection can produce is one ping interval plus the
	// pong round trip. The deadline also refreshes on every data frame, so
	// only a genuinely dead connection trips it.
	readDeadline := s.pingInterval + pongTimeout
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		tick, perr := parseTickMessage(raw)
		if perr != nil {
			atomic.AddUint64(&s.malformed, 1)
			if h.OnMalformed != nil {
				h.OnMalformed(raw, perr)
			}
			continue
		}
		if h.OnTick != nil {
			h.OnTick(tick)
		}
	}
}

// combinedEnvelope is the wrapper Binance's combined-stream endpoint sends
// each payload in: {"stream": "...", "data": {...}}. A raw (non-combined)
// payload is also accepted for robustness.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tickerPayload struct {
	Symbol    string `json:"s"`
	LastPrice string `json:"c"`
	Volume    string `json:"v"`
	BidPrice  string `json:"b"`
	AskPrice  string `json:"a"`
	Change24h string `json:"P"`
	EventTime int64  `json:"E"`
}

func parseTickMessage(raw []byte) (model.Tick, error) {
	var payload tickerPayload

	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return model.Tick{}, fmt.Errorf("parsing combined payload: %w", err)
		}
	} else if err := json.Unmarshal(raw, &payload); err != nil {
		return model.Tick{}, fmt.Errorf("parsing flat payload: %w", err)
	}

	// Required ticker fields: s, c, v, E, b, a. Anything missing one is
	// counted malformed and dropped.
	if payload.Symbol == "" || payload.LastPrice == "" || payload.Volume == "" ||
		payload.BidPrice == "" || payload.AskPrice == "" || payload.EventTime == 0 {
		return model.Tick{}, fmt.Errorf("missing required field in ticker payload")
	}

	price, err := strconv.ParseFloat(payload.LastPrice, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parsing price: %w", err)
	}
	volume, err := strconv.ParseFloat(payload.Volume, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parsing volume: %w", err)
	}
	bid, err := strconv.ParseFloat(payload.BidPrice, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parsing bid: %w", err)
	}
	ask, err := strconv.ParseFloat(payload.AskPrice, 64)
	if err != nil {
		return model.Tick{}, fmt.Errorf("parsing ask: %w", err)
	}
	change, _ := strconv.ParseFloat(payload.Change24h, 64)

	tick := model.Tick{
		Symbol: strings.ToUpper(payload.Symbol),
		Price:  price,
		// Volume is populated from Binance's 24h-rolling `v` field; the
		// signal engine treats it purely as "last reported volume at this
		// tick" and ratios it against a trailing average of the same field
		// (documented Open Question resolution in DESIGN.md).
		Volume: volume,
		Bid:    bid,
		Ask:    ask,
		// Binance reports change_24h as a percent; spec §6 requires the
		// fraction form.
		Change24h: change / 100,
		// Timestamp is monotonic wall-clock at receipt, not the exchange's
		// event time (spec §3 invariant).
		Timestamp: time.Now(),
	}
	if err := tick.Validate(); err != nil {
		return model.Tick{}, err
	}
	return tick, nil
}
