package gateway

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"staychat/internal/chaterr"
	"staychat/internal/model"
)

var errQueueFull = errors.New("outbound queue full")
var errConnClosed = errors.New("connection closed")

// Conn is one authenticated websocket. A single writer goroutine owns the
// socket's write side; everything else enqueues frames.
type Conn struct {
	ID         string
	IdentityID string
	Role       model.Role

	ws      *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	closeOnce sync.Once
	done      chan struct{}

	// guarded by Hub.mu
	rooms   map[string]struct{}
	present bool
}

func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return &chaterr.DeliveryError{ConnID: c.ID, Err: errConnClosed}
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return &chaterr.DeliveryError{ConnID: c.ID, Err: errConnClosed}
	default:
		// A consumer this far behind would deliver stale state; drop it and
		// let it recover through the REST listing after reconnecting.
		c.close()
		return &chaterr.DeliveryError{ConnID: c.ID, Err: errQueueFull}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection is shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.deliveryFailed(c, err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.opts.WriteTimeout))
			return
		}
	}
}

func (h *Hub) readPump(c *Conn) {
	defer h.unregister(c)

	c.ws.SetReadLimit(h.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.opts.PongTimeout))
	})

	for {
		var env model.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.reject(c, "", chaterr.Validation("", "malformed frame"))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("[WebSocket] Read error", "conn", c.ID, "error", err)
			}
			return
		}
		if !c.limiter.Allow() {
			h.metrics.RejectedEvents.WithLabelValues(chaterr.CodeRateLimited).Inc()
			h.sendTo(c, model.EventError, model.ErrorEvent{
				Code:    chaterr.CodeRateLimited,
				Message: "too many events",
			})
			continue
		}
		h.dispatch(c, env)
	}
}
