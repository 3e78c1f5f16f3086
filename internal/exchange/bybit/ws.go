package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/klinevault/klinevault/internal/domain"
)

// KlineHandler receives normalized candles from the live stream. Confirmed
// bars and still-forming bars are both delivered; the store upsert makes
// re-delivery harmless.
type KlineHandler func(candles []domain.Candle)

// StreamClient maintains one public v5 WebSocket connection and a set of
// kline topic subscriptions, reconnecting with backoff on failure.
type StreamClient struct {
	url     string
	market  domain.MarketType
	handler KlineHandler

	mu     sync.Mutex
	topics map[string]domain.Key
}

// NewStreamClient creates a stream client for the public v5 endpoint.
func NewStreamClient(wsURL string, market domain.MarketType, handler KlineHandler) *StreamClient {
	return &StreamClient{
		url:     wsURL,
		market:  market,
		handler: handler,
		topics:  make(map[string]domain.Key),
	}
}

// Subscribe registers a kline topic. Takes effect on the next (re)connect;
// Run resubscribes everything after each reconnect.
func (s *StreamClient) Subscribe(symbol string, interval domain.Interval) {
	topic := fmt.Sprintf("kline.%s.%s", interval, strings.ToUpper(symbol))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics[topic] = domain.Key{Symbol: strings.ToUpper(symbol), Interval: interval}
}

// Run connects and consumes until ctx is cancelled, reconnecting with
// capped backoff after failures.
func (s *StreamClient) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := s.runOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Dur("backoff", backoff).Msg("Kline stream disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func (s *StreamClient) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	if err := s.subscribeAll(conn); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(ctx, conn, done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		s.handleMessage(msg)
	}
}

func (s *StreamClient) subscribeAll(conn *websocket.Conn) error {
	s.mu.Lock()
	args := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		args = append(args, topic)
	}
	s.mu.Unlock()

	if len(args) == 0 {
		return nil
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	log.Info().Strs("topics", args).Msg("Kline stream subscribed")
	return nil
}

// pingLoop keeps the connection alive; the venue drops idle connections
// after 30 seconds without a ping.
func (s *StreamClient) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}

func (s *StreamClient) handleMessage(msg []byte) {
	var push struct {
		Topic string            `json:"topic"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &push); err != nil || !strings.HasPrefix(push.Topic, "kline.") {
		return
	}

	s.mu.Lock()
	key, ok := s.topics[push.Topic]
	s.mu.Unlock()
	if !ok {
		return
	}

	candles := make([]domain.Candle, 0, len(push.Data))
	for _, raw := range push.Data {
		c, err := normalizeRow(raw, key.Symbol, key.Interval, s.market)
		if err != nil {
			log.Debug().Err(err).Str("topic", push.Topic).Msg("Skipping malformed stream bar")
			continue
		}
		candles = append(candles, c)
	}
	if len(candles) > 0 && s.handler != nil {
		s.handler(candles)
	}
}
