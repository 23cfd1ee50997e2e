package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"github.com/vitos/options_breakout/internal/domain"
	"go.uber.org/zap"
)

type StreamState string

const (
	StateDisconnected StreamState = "DISCONNECTED"
	StateConnecting   StreamState = "CONNECTING"
	StateHandshaking  StreamState = "HANDSHAKING"
	StateSubscribing  StreamState = "SUBSCRIBING"
	StateStreaming    StreamState = "STREAMING"
	StateClosing      StreamState = "CLOSING"
	StateFailed       StreamState = "FAILED"
)

const (
	protocolVersion = "0.1-DXF-JS/0.3.0"
	controlChannel  = 0
	feedChannel     = 3
)

// ErrStreamerClosed is returned by Connect after Close.
var ErrStreamerClosed = errors.New("streamer closed")

// QuoteTokenProvider issues the streaming token and endpoint.
type QuoteTokenProvider interface {
	GetQuoteToken(ctx context.Context) (*domain.StreamerToken, error)
}

type StreamerConfig struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration
	AggregationPeriod time.Duration
	HandshakeTimeout  time.Duration
	RequestBuffer     int
	Dialer            *websocket.Dialer
}

func (c *StreamerConfig) setDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = 60 * time.Second
	}
	if c.AggregationPeriod <= 0 {
		c.AggregationPeriod = 100 * time.Millisecond
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.RequestBuffer <= 0 {
		c.RequestBuffer = 64
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
}

// Streamer is a DXLink market-data client. It runs one session at a time;
// after the session ends (Done is closed, state FAILED) the owner calls
// Connect again. The subscribed set survives sessions and is re-sent in full
// on every successful handshake.
type Streamer struct {
	tokens QuoteTokenProvider
	sink   domain.QuoteSink
	cfg    StreamerConfig
	logger *zap.Logger

	mu         sync.Mutex
	state      StreamState
	conn       *websocket.Conn
	done       chan struct{}
	closing    bool
	subscribed map[string]struct{}
	// cancelConnect aborts the dial/handshake of an in-flight Connect.
	cancelConnect context.CancelFunc

	writeMu sync.Mutex

	requests    chan []string
	stop        chan struct{}
	stopOnce    sync.Once
	requestOnce sync.Once
}

func NewStreamer(tokens QuoteTokenProvider, sink domain.QuoteSink, cfg StreamerConfig, logger *zap.Logger) *Streamer {
	cfg.setDefaults()
	return &Streamer{
		tokens:     tokens,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
		state:      StateDisconnected,
		subscribed: make(map[string]struct{}),
		requests:   make(chan []string, cfg.RequestBuffer),
		stop:       make(chan struct{}),
	}
}

func (s *Streamer) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Streamer) setState(state StreamState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Done is closed when the current session ends. Without a session it
// returns an already closed channel.
func (s *Streamer) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.done
}

// Subscriptions returns the tracked symbol set, sorted.
func (s *Streamer) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedSubscriptionsLocked()
}

func (s *Streamer) sortedSubscriptionsLocked() []string {
	out := make([]string, 0, len(s.subscribed))
	for sym := range s.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Connect runs the full handshake and starts the session goroutines. It is
// a no-op while a session is streaming.
func (s *Streamer) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.closing:
		s.mu.Unlock()
		return ErrStreamerClosed
	case s.state == StateStreaming:
		s.mu.Unlock()
		return nil
	case s.state != StateDisconnected && s.state != StateFailed:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: connect already in progress (%s)", domain.ErrTransport, state)
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.state = StateConnecting
	s.cancelConnect = cancel
	s.mu.Unlock()

	s.requestOnce.Do(func() { go s.requestLoop() })

	conn, schema, err := s.open(connCtx)

	s.mu.Lock()
	s.cancelConnect = nil
	if err != nil {
		if s.closing {
			s.state = StateDisconnected
			s.mu.Unlock()
			return ErrStreamerClosed
		}
		s.state = StateFailed
		s.mu.Unlock()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		s.logger.Error("Streamer: connect failed", zap.Error(err))
		return err
	}
	if s.closing {
		s.mu.Unlock()
		conn.Close()
		return ErrStreamerClosed
	}
	s.state = StateSubscribing
	symbols := s.sortedSubscriptionsLocked()
	if len(symbols) > 0 {
		// Held under mu so a concurrent Subscribe cannot interleave a delta
		// before the full reset.
		if err := s.send(conn, subscriptionFrame(symbols, true)); err != nil {
			s.state = StateFailed
			s.mu.Unlock()
			conn.Close()
			return fmt.Errorf("%w: initial subscription: %v", domain.ErrTransport, err)
		}
	}
	done := make(chan struct{})
	s.conn = conn
	s.done = done
	s.state = StateStreaming
	s.mu.Unlock()

	s.logger.Info("Streamer: streaming", zap.Int("symbols", len(symbols)))

	keepaliveStop := make(chan struct{})
	go s.readLoop(conn, schema, done, keepaliveStop)
	go s.keepaliveLoop(conn, keepaliveStop)
	return nil
}

// open obtains a token, dials, and completes SETUP/AUTH/CHANNEL/FEED_SETUP.
// The connection is closed on any failure, including ctx ending mid-handshake.
func (s *Streamer) open(ctx context.Context) (*websocket.Conn, feedSchema, error) {
	tok, err := s.tokens.GetQuoteToken(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("quote token: %w", err)
	}

	s.logger.Info("Streamer: connecting", zap.String("url", tok.URL), zap.String("level", tok.Level))
	conn, _, err := s.cfg.Dialer.DialContext(ctx, tok.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", domain.ErrTransport, tok.URL, err)
	}

	// Closing the socket unblocks a pending handshake read.
	stopAbort := context.AfterFunc(ctx, func() { conn.Close() })
	s.setState(StateHandshaking)
	schema, err := s.handshake(ctx, conn, tok.Token)
	if !stopAbort() && err == nil {
		err = fmt.Errorf("%w: handshake aborted: %v", domain.ErrTransport, ctx.Err())
	}
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, schema, nil
}

func (s *Streamer) handshake(ctx context.Context, conn *websocket.Conn, token string) (feedSchema, error) {
	keepaliveSecs := int(s.cfg.KeepaliveTimeout / time.Second)

	if err := s.send(conn, map[string]interface{}{
		"type":                   "SETUP",
		"channel":                controlChannel,
		"version":                protocolVersion,
		"keepaliveTimeout":       keepaliveSecs,
		"acceptKeepaliveTimeout": keepaliveSecs,
	}); err != nil {
		return nil, fmt.Errorf("%w: send SETUP: %v", domain.ErrTransport, err)
	}
	if _, err := s.await(ctx, conn, "SETUP", nil); err != nil {
		return nil, err
	}

	if err := s.send(conn, map[string]interface{}{
		"type":    "AUTH",
		"channel": controlChannel,
		"token":   token,
	}); err != nil {
		return nil, fmt.Errorf("%w: send AUTH: %v", domain.ErrTransport, err)
	}
	if _, err := s.await(ctx, conn, "AUTH_STATE", func(m gjson.Result) bool {
		return m.Get("state").String() == "AUTHORIZED"
	}); err != nil {
		return nil, err
	}

	if err := s.send(conn, map[string]interface{}{
		"type":       "CHANNEL_REQUEST",
		"channel":    feedChannel,
		"service":    "FEED",
		"parameters": map[string]string{"contract": "AUTO"},
	}); err != nil {
		return nil, fmt.Errorf("%w: send CHANNEL_REQUEST: %v", domain.ErrTransport, err)
	}
	if _, err := s.await(ctx, conn, "CHANNEL_OPENED", onFeedChannel); err != nil {
		return nil, err
	}

	if err := s.send(conn, map[string]interface{}{
		"type":                    "FEED_SETUP",
		"channel":                 feedChannel,
		"acceptAggregationPeriod": s.cfg.AggregationPeriod.Seconds(),
		"acceptDataFormat":        "COMPACT",
		"acceptEventFields":       defaultEventFields,
	}); err != nil {
		return nil, fmt.Errorf("%w: send FEED_SETUP: %v", domain.ErrTransport, err)
	}
	cfgMsg, err := s.await(ctx, conn, "FEED_CONFIG", onFeedChannel)
	if err != nil {
		return nil, err
	}

	schema := newFeedSchema()
	schema.apply(cfgMsg.Get("eventFields"))
	return schema, nil
}

func onFeedChannel(m gjson.Result) bool {
	return m.Get("channel").Int() == feedChannel
}

// await reads frames until one of type want (and matching match) arrives.
// KEEPALIVE and unrelated frames are skipped; ERROR aborts the handshake.
func (s *Streamer) await(ctx context.Context, conn *websocket.Conn, want string, match func(gjson.Result) bool) (gjson.Result, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return gjson.Result{}, fmt.Errorf("%w: awaiting %s: %v", domain.ErrTransport, want, err)
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return gjson.Result{}, fmt.Errorf("%w: awaiting %s: %v", domain.ErrTransport, want, err)
		}
		msg := gjson.ParseBytes(raw)
		typ := msg.Get("type").String()

		switch {
		case typ == "ERROR":
			return gjson.Result{}, fmt.Errorf("%w: server error awaiting %s: %s: %s", domain.ErrTransport, want,
				msg.Get("error").String(), msg.Get("message").String())
		case typ == want && (match == nil || match(msg)):
			s.logger.Debug("Streamer: handshake step acknowledged", zap.String("type", typ))
			return msg, nil
		case typ == "AUTH_STATE" && want != "AUTH_STATE" && msg.Get("state").String() == "AUTHORIZED":
			// Some servers authorize on SETUP; nothing to do.
		default:
			s.logger.Debug("Streamer: skipping frame during handshake", zap.String("type", typ), zap.String("awaiting", want))
		}
	}
}

func (s *Streamer) send(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func subscriptionFrame(symbols []string, reset bool) map[string]interface{} {
	add := make([]map[string]string, 0, len(symbols)*2)
	for _, sym := range symbols {
		add = append(add,
			map[string]string{"type": string(domain.EventQuote), "symbol": sym},
			map[string]string{"type": string(domain.EventTrade), "symbol": sym},
		)
	}
	return map[string]interface{}{
		"type":    "FEED_SUBSCRIPTION",
		"channel": feedChannel,
		"reset":   reset,
		"add":     add,
	}
}

// Subscribe adds symbols to the tracked set and sends one subscription frame
// for the ones not tracked yet. Outside a streaming session the symbols are
// only tracked and go out with the next handshake.
func (s *Streamer) Subscribe(symbols []string) error {
	s.mu.Lock()
	var delta []string
	for _, sym := range symbols {
		if sym == "" {
			continue
		}
		if _, ok := s.subscribed[sym]; ok {
			continue
		}
		s.subscribed[sym] = struct{}{}
		delta = append(delta, sym)
	}
	conn := s.conn
	streaming := s.state == StateStreaming
	s.mu.Unlock()

	if len(delta) == 0 || !streaming || conn == nil {
		return nil
	}

	if err := s.send(conn, subscriptionFrame(delta, false)); err != nil {
		return fmt.Errorf("%w: subscribe: %v", domain.ErrTransport, err)
	}
	s.logger.Info("Streamer: subscribed", zap.Strings("symbols", delta))
	return nil
}

// RequestSubscribe queues symbols for subscription without blocking.
func (s *Streamer) RequestSubscribe(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	req := append([]string(nil), symbols...)
	select {
	case s.requests <- req:
	default:
		s.logger.Warn("Streamer: subscribe queue full, dropping request", zap.Strings("symbols", req))
	}
}

func (s *Streamer) requestLoop() {
	for {
		select {
		case <-s.stop:
			return
		case symbols := <-s.requests:
			if err := s.Subscribe(symbols); err != nil {
				s.logger.Warn("Streamer: subscribe request failed", zap.Strings("symbols", symbols), zap.Error(err))
			}
		}
	}
}

func (s *Streamer) readLoop(conn *websocket.Conn, schema feedSchema, done, keepaliveStop chan struct{}) {
	defer func() {
		close(keepaliveStop)
		conn.Close()

		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			if s.closing {
				s.state = StateDisconnected
			} else {
				s.state = StateFailed
			}
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.KeepaliveTimeout)); err != nil {
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing {
				s.logger.Warn("Streamer: read failed, session ended", zap.Error(err))
			}
			return
		}
		if err := s.handleFrame(raw, schema); err != nil {
			s.logger.Error("Streamer: session terminated by server", zap.Error(err))
			return
		}
	}
}

// handleFrame dispatches one frame. Only channel-level failures are returned.
func (s *Streamer) handleFrame(raw []byte, schema feedSchema) error {
	msg := gjson.ParseBytes(raw)
	switch typ := msg.Get("type").String(); typ {
	case "FEED_DATA":
		updates, err := decodeFeedData(msg.Get("data"), schema, time.Now())
		if err != nil {
			s.logger.Warn("Streamer: dropping malformed feed frame", zap.Error(err))
			return nil
		}
		for _, u := range updates {
			s.sink.Merge(u)
		}
	case "FEED_CONFIG":
		schema.apply(msg.Get("eventFields"))
	case "KEEPALIVE":
	case "ERROR":
		s.logger.Warn("Streamer: server error",
			zap.String("error", msg.Get("error").String()),
			zap.String("message", msg.Get("message").String()))
	case "CHANNEL_CLOSED":
		return fmt.Errorf("%w: feed channel closed", domain.ErrTransport)
	case "AUTH_STATE":
		if msg.Get("state").String() != "AUTHORIZED" {
			return fmt.Errorf("%w: session deauthorized", domain.ErrTransport)
		}
	default:
		s.logger.Debug("Streamer: ignoring frame", zap.String("type", typ))
	}
	return nil
}

func (s *Streamer) keepaliveLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := s.send(conn, map[string]interface{}{"type": "KEEPALIVE", "channel": controlChannel}); err != nil {
				s.logger.Warn("Streamer: keepalive failed", zap.Error(err))
				return
			}
		}
	}
}

// Close ends the current session and stops the subscription request loop.
// The Streamer cannot be reconnected afterwards.
func (s *Streamer) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	s.closing = true
	if s.cancelConnect != nil {
		s.cancelConnect()
	}
	conn, done := s.conn, s.done
	if conn != nil {
		s.state = StateClosing
	} else {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := conn.Close()
	<-done
	s.logger.Info("Streamer: closed")
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
