package channel

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-robot-sync/pkg/syncdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// HeaderProvider injects headers into the websocket handshake.
type HeaderProvider func() map[string]string

type WSOptions struct {
	MaxReconnectAttempts int
	PingInterval         time.Duration
	Headers              HeaderProvider
	Logger               *zap.Logger
}

// WebSocket is a reconnecting JSON websocket transport.
type WebSocket struct {
	url  string
	opts WSOptions
	log  *zap.Logger

	connM sync.RWMutex
	conn  *websocket.Conn
	// writeM serializes frames; wsjson.Write is not safe for concurrent use.
	writeM sync.Mutex

	state stateBox
	subs  registry[Handler]

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewWebSocket(wsURL string, opts WSOptions) *WebSocket {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ws := &WebSocket{
		url:        wsURL,
		opts:       opts,
		log:        opts.Logger,
		stopCh:     make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
	ws.state.set(StateDisconnected)
	return ws
}

// Connect dials once. On failure a background reconnect is scheduled and the
// dial error is returned.
func (ws *WebSocket) Connect(ctx context.Context) error {
	switch ws.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	ws.state.set(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, err := ws.dial(dialCtx)
	if err != nil {
		ws.log.Warn("ws_connect_error", zap.String("url", ws.url), zap.Error(err))
		ws.state.set(StateFailed)
		ws.scheduleReconnect()
		return err
	}
	ws.attach(conn)
	return nil
}

func (ws *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
		HTTPHeader:      ws.buildHeaders(),
	})
	return conn, err
}

func (ws *WebSocket) attach(conn *websocket.Conn) {
	ws.connM.Lock()
	ws.conn = conn
	ws.connM.Unlock()
	ws.state.set(StateConnected)
	ws.log.Info("ws_connected", zap.String("url", ws.url))

	ws.wg.Add(2)
	go ws.listen(conn)
	go ws.pingLoop(conn)
}

func (ws *WebSocket) current() *websocket.Conn {
	ws.connM.RLock()
	defer ws.connM.RUnlock()
	return ws.conn
}

func (ws *WebSocket) listen(conn *websocket.Conn) {
	defer ws.wg.Done()
	for {
		var msg syncdto.Message
		if err := wsjson.Read(ws.rootCtx, conn, &msg); err != nil {
			if ws.isStopping() {
				return
			}
			ws.log.Warn("ws_read_error", zap.Error(err))
			ws.drop(conn, "reconnect")
			return
		}
		deliver(&ws.subs, msg)
	}
}

func (ws *WebSocket) pingLoop(conn *websocket.Conn) {
	defer ws.wg.Done()
	t := time.NewTicker(ws.opts.PingInterval)
	defer t.Stop()
	failures := 0
	for {
		select {
		case <-ws.stopCh:
			return
		case <-t.C:
			if ws.current() != conn {
				return
			}
			ctx, cancel := context.WithTimeout(ws.rootCtx, 3*time.Second)
			err := conn.Ping(ctx)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			failures++
			if failures >= 2 {
				if !ws.isStopping() {
					ws.drop(conn, "ping failure")
				}
				return
			}
		}
	}
}

// drop은 conn이 아직 현재 연결이면 닫고 재연결을 시작.
func (ws *WebSocket) drop(conn *websocket.Conn, reason string) {
	ws.connM.Lock()
	if ws.conn != conn {
		ws.connM.Unlock()
		return
	}
	ws.conn = nil
	ws.connM.Unlock()
	_ = conn.Close(websocket.StatusGoingAway, reason)
	ws.state.set(StateDisconnected)
	ws.scheduleReconnect()
}

func (ws *WebSocket) scheduleReconnect() {
	if ws.opts.MaxReconnectAttempts <= 0 || ws.isStopping() {
		return
	}
	ws.state.set(StateReconnecting)

	go func() {
		for attempt := 1; attempt <= ws.opts.MaxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			dialCtx, cancel := context.WithTimeout(ws.rootCtx, 10*time.Second)
			conn, err := ws.dial(dialCtx)
			cancel()
			if err != nil {
				ws.log.Debug("ws_reconnect_error", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if ws.isStopping() {
				_ = conn.Close(websocket.StatusNormalClosure, "close")
				return
			}
			ws.attach(conn)
			return
		}
		ws.state.set(StateFailed)
	}()
}

// Send writes msg as one JSON frame. Without a live connection it fails fast
// with ErrChannelUnavailable.
func (ws *WebSocket) Send(ctx context.Context, msg syncdto.Message) error {
	conn := ws.current()
	if conn == nil || ws.State() != StateConnected {
		return ErrChannelUnavailable
	}
	wctx, cancel := boundedContext(ctx, 5*time.Second)
	defer cancel()
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return wsjson.Write(wctx, conn, msg)
}

func (ws *WebSocket) Subscribe(h Handler) func() { return ws.subs.add(h) }

func (ws *WebSocket) OnStateChange(h StateHandler) func() { return ws.state.listeners.add(h) }

func (ws *WebSocket) State() ConnState { return ws.state.get() }

func (ws *WebSocket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })
	ws.connM.Lock()
	conn := ws.conn
	ws.conn = nil
	ws.connM.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "close")
	}
	ws.rootCancel()

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		ws.state.set(StateDisconnected)
		return nil
	}
}

func (ws *WebSocket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocket) buildHeaders() http.Header {
	hdr := http.Header{}
	if ws.opts.Headers == nil {
		return hdr
	}
	for k, v := range ws.opts.Headers() {
		if strings.TrimSpace(k) == "" || strings.TrimSpace(v) == "" {
			continue
		}
		hdr.Set(k, v)
	}
	return hdr
}
