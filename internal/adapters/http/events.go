package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/Radio/internal/app/radio"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventStream pushes node events to websocket clients. The stream is one way;
// inbound frames are read only to notice the close.
type eventStream struct {
	node       Radio
	readLimit  int64
	pingPeriod time.Duration
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(b []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- b:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (s *eventStream) serve(ctx context.Context, c *gin.Context) {
	logger := log.With().Str("module", "adapters.http").Str("operator", c.GetString(operatorKey)).Logger()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error().Err(err).Msg("ws upgrade")
		return
	}
	conn := &wsConn{conn: ws, send: make(chan []byte, 32)}

	events, unsubscribe := s.node.Subscribe()
	ctx, cancel := context.WithCancel(ctx)

	sendJSON(conn, radio.Event{Type: radio.EventStatus, Status: ptr(s.node.Status()), At: time.Now()}, &logger)

	go s.writePump(ctx, conn, &logger)
	go s.forward(ctx, events, conn, &logger)
	go func() {
		defer unsubscribe()
		defer cancel()
		s.readPump(ctx, conn, &logger)
	}()
}

func (s *eventStream) forward(ctx context.Context, events <-chan radio.Event, conn *wsConn, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sendJSON(conn, ev, logger)
		}
	}
}

func (s *eventStream) writePump(ctx context.Context, c *wsConn, logger *zerolog.Logger) {
	defer c.Close()
	var ping <-chan time.Time
	if s.pingPeriod > 0 {
		ticker := time.NewTicker(s.pingPeriod)
		defer ticker.Stop()
		ping = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("writePump ctx done")
			return
		case <-ping:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Debug().Err(err).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (s *eventStream) readPump(ctx context.Context, c *wsConn, logger *zerolog.Logger) {
	defer func() {
		logger.Info().Msg("readPump closing")
		c.Close()
	}()
	if s.readLimit > 0 {
		c.conn.SetReadLimit(s.readLimit)
	}
	for ctx.Err() == nil {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
	}
}

func sendJSON(c *wsConn, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		logger.Error().Err(err).Msg("sendJSON marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		logger.Debug().Msg("event dropped, client too slow")
	}
}

func ptr[T any](v T) *T { return &v }
