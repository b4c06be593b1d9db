package main

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamEventType distinguishes the user-data stream payloads the engine
// cares about.
type StreamEventType string

const (
	StreamOrderUpdate   StreamEventType = "ORDER_TRADE_UPDATE"
	StreamAccountUpdate StreamEventType = "ACCOUNT_UPDATE"
	StreamMarginCall    StreamEventType = "MARGIN_CALL"
)

// StreamEvent is the engine-internal, already-unmarshaled representation
// of one user-data stream message.
type StreamEvent struct {
	Type       StreamEventType
	Symbol     string
	OrderID    int64
	Status     string
	Side       string
	FilledQty  float64
	AvgPrice   float64
	RealizedPnL float64
	Raw        json.RawMessage
}

// UserDataStream maintains the venue's listen-key websocket and fans out
// decoded events to internal subscribers. Grounded on hub.go's
// clients-map-under-mutex broadcast pattern, repurposed from
// dashboard-facing websocket clients to internal Go channels, and on
// execution_service.go's need (there implemented as a poll loop in
// MonitorPosition) for order-fill awareness — here delivered push-style.
type UserDataStream struct {
	client     *GatewayStreamClient
	mu         sync.Mutex
	subscribers map[chan StreamEvent]struct{}
	lastBeat    time.Time

	reconnectMin time.Duration
	reconnectMax time.Duration
}

// GatewayStreamClient is the thin seam over the venue's listen-key +
// websocket mechanics, kept apart from the subscriber fan-out in
// UserDataStream.
type GatewayStreamClient struct {
	apiKey  string
	testnet bool
}

func NewUserDataStream(apiKey string, testnet bool) *UserDataStream {
	return &UserDataStream{
		client:       &GatewayStreamClient{apiKey: apiKey, testnet: testnet},
		subscribers:  make(map[chan StreamEvent]struct{}),
		lastBeat:     time.Now(),
		reconnectMin: 500 * time.Millisecond,
		reconnectMax: 30 * time.Second,
	}
}

// Heartbeat reports the last time the stream connected or pumped a
// message, for supervision alongside the orchestrator and monitor.
func (s *UserDataStream) Heartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

func (s *UserDataStream) touch() {
	s.mu.Lock()
	s.lastBeat = time.Now()
	s.mu.Unlock()
}

// Subscribe registers a new listener for stream events. The returned
// cancel func unregisters it. Grounded on hub.go's register/unregister
// pair, generalized from *websocket.Conn keys to channel keys.
func (s *UserDataStream) Subscribe() (<-chan StreamEvent, func()) {
	ch := make(chan StreamEvent, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		delete(s.subscribers, ch)
		close(ch)
		s.mu.Unlock()
	}
}

func (s *UserDataStream) broadcast(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			log.Printf("stream: subscriber channel full, dropping %s event for %s", ev.Type, ev.Symbol)
		}
	}
}

// Run connects and reconnects with exponential backoff until ctx is
// cancelled. Each connection attempt obtains a fresh listen key and keeps
// it alive with a periodic PUT, mirroring the venue's documented
// user-data-stream lifecycle.
func (s *UserDataStream) Run(ctx context.Context) {
	backoffDur := s.reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.connectAndPump(ctx); err != nil {
			log.Printf("stream: connection lost: %v (retrying in %s)", err, backoffDur)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoffDur):
			}
			backoffDur *= 2
			if backoffDur > s.reconnectMax {
				backoffDur = s.reconnectMax
			}
			continue
		}
		backoffDur = s.reconnectMin
	}
}

func (s *UserDataStream) connectAndPump(ctx context.Context) error {
	listenKey, err := s.client.createListenKey(ctx)
	if err != nil {
		return err
	}

	url := s.client.wsURL(listenKey)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	s.touch()

	keepAlive := time.NewTicker(30 * time.Minute)
	defer keepAlive.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			ev, err := decodeStreamMessage(msg)
			if err != nil {
				log.Printf("stream: decode error: %v", err)
				continue
			}
			s.touch()
			s.broadcast(ev)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return errStreamClosed
		case <-keepAlive.C:
			if err := s.client.keepAliveListenKey(ctx, listenKey); err != nil {
				log.Printf("stream: listen key keepalive failed: %v", err)
				continue
			}
			s.touch()
		}
	}
}

var errStreamClosed = &GatewayError{Code: GatewayErrConnLost, Op: "user_data_stream", Err: context.Canceled}

func decodeStreamMessage(raw []byte) (StreamEvent, error) {
	var envelope struct {
		EventType string `json:"e"`
		Order     struct {
			Symbol      string `json:"s"`
			Side        string `json:"S"`
			OrderID     int64  `json:"i"`
			Status      string `json:"X"`
			FilledQty   string `json:"z"`
			AvgPrice    string `json:"ap"`
			RealizedPnL string `json:"rp"`
		} `json:"o"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return StreamEvent{}, err
	}
	ev := StreamEvent{Type: StreamEventType(envelope.EventType), Raw: raw}
	if envelope.Order.Symbol != "" {
		ev.Symbol = envelope.Order.Symbol
		ev.Side = envelope.Order.Side
		ev.OrderID = envelope.Order.OrderID
		ev.Status = envelope.Order.Status
		ev.FilledQty = parseFloatOrZero(envelope.Order.FilledQty)
		ev.AvgPrice = parseFloatOrZero(envelope.Order.AvgPrice)
		ev.RealizedPnL = parseFloatOrZero(envelope.Order.RealizedPnL)
	}
	return ev, nil
}
