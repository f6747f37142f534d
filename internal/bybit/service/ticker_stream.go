package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"

	"tradepilot/internal/metrics"
)

const (
	BybitPublicWSURL  = "wss://stream.bybit.com/v5/public/linear"
	BybitTestnetWSURL = "wss://stream-testnet.bybit.com/v5/public/linear"

	tickerFreshness = 5 * time.Second
	pingInterval    = 20 * time.Second
)

// BybitWSMessage структура для сообщений WebSocket Bybit
type BybitWSMessage struct {
	Op   string   `json:"op,omitempty"`
	Args []string `json:"args,omitempty"`
}

type tickerStreamData struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
	Ts    int64  `json:"ts"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

type tickerPrice struct {
	price float64
	at    time.Time
}

// TickerStream держит публичный поток tickers.* и кэш последних цен.
// Gateway читает цену отсюда, если она свежая, иначе идёт в REST.
type TickerStream struct {
	url       string
	proxyAddr string
	logger    zerolog.Logger

	mu      sync.RWMutex
	prices  map[string]tickerPrice
	symbols map[string]struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	now func() time.Time
}

func NewTickerStream(wsURL, proxyAddr string, logger zerolog.Logger) *TickerStream {
	if wsURL == "" {
		wsURL = BybitPublicWSURL
	}
	return &TickerStream{
		url:       wsURL,
		proxyAddr: proxyAddr,
		logger:    logger.With().Str("component", "TickerStream").Logger(),
		prices:    make(map[string]tickerPrice),
		symbols:   make(map[string]struct{}),
		now:       time.Now,
	}
}

// Price возвращает последнюю цену, если она обновлялась не позже tickerFreshness назад
func (s *TickerStream) Price(symbol string) (float64, bool) {
	s.mu.RLock()
	p, ok := s.prices[symbol]
	s.mu.RUnlock()
	if !ok || p.price <= 0 || s.now().Sub(p.at) > tickerFreshness {
		return 0, false
	}
	return p.price, true
}

// Subscribe добавляет символ в подписку. Если соединение есть, подписка отправляется сразу.
func (s *TickerStream) Subscribe(symbol string) {
	s.mu.Lock()
	if _, ok := s.symbols[symbol]; ok {
		s.mu.Unlock()
		return
	}
	s.symbols[symbol] = struct{}{}
	s.mu.Unlock()

	if err := s.send(BybitWSMessage{Op: "subscribe", Args: []string{"tickers." + symbol}}); err != nil {
		s.logger.Debug().Err(err).Str("symbol", symbol).Msg("subscribe deferred until reconnect")
	}
}

// Run держит соединение до отмены контекста, переподключаясь с backoff
func (s *TickerStream) Run(ctx context.Context) {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Factor: 2, Jitter: true}
	for {
		err := s.runOnce(ctx)
		metrics.BybitTickerStreamConnected.Set(0)
		if ctx.Err() != nil {
			return
		}
		wait := b.Duration()
		s.logger.Warn().Err(err).Dur("retry_in", wait).Msg("ticker stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *TickerStream) dialer() *websocket.Dialer {
	dialer := &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	if s.proxyAddr == "" {
		return dialer
	}
	proxyDialer, err := proxy.FromURL(&url.URL{Scheme: "socks5", Host: s.proxyAddr}, proxy.Direct)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create proxy dialer")
		return dialer
	}
	dialer.NetDial = proxyDialer.Dial
	return dialer
}

func (s *TickerStream) runOnce(ctx context.Context) error {
	conn, _, err := s.dialer().DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to Bybit WebSocket: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer func() {
		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
	}()

	metrics.BybitTickerStreamConnected.Set(1)
	s.logger.Info().Str("url", s.url).Msg("ticker stream connected")

	if topics := s.topics(); len(topics) > 0 {
		if err := s.send(BybitWSMessage{Op: "subscribe", Args: topics}); err != nil {
			return err
		}
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.keepAlive(connCtx)
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handle(message)
	}
}

func (s *TickerStream) handle(message []byte) {
	var msg tickerStreamData
	if err := json.Unmarshal(message, &msg); err != nil {
		return
	}
	if msg.Op != "" {
		if msg.Op == "subscribe" && !msg.Success {
			s.logger.Warn().Str("msg", msg.RetMsg).Msg("subscribe rejected")
		}
		return
	}
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		// delta без lastPrice
		return
	}
	price, err := strconv.ParseFloat(msg.Data.LastPrice, 64)
	if err != nil || price <= 0 {
		return
	}
	s.mu.Lock()
	s.prices[msg.Data.Symbol] = tickerPrice{price: price, at: s.now()}
	s.mu.Unlock()
}

func (s *TickerStream) topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, "tickers."+sym)
	}
	return out
}

func (s *TickerStream) send(msg BybitWSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// keepAlive отправляет ping в формате Bybit
func (s *TickerStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(BybitWSMessage{Op: "ping"}); err != nil {
				s.logger.Debug().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}
