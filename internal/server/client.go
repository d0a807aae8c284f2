package server

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ilnaes/docsync/internal/auth"
	"github.com/ilnaes/docsync/internal/common"
	"github.com/ilnaes/docsync/internal/logger"
	"github.com/ilnaes/docsync/internal/room"
	"github.com/ilnaes/docsync/internal/store"
)

type State int32

const (
	Connecting State = iota
	Authenticating
	Attached
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Attached:
		return "attached"
	case Closing:
		return "closing"
	default:
		return "closed"
	}
}

// Client is one websocket session. Reads happen on the handler goroutine,
// writes on writePump; nothing else touches conn.
type Client struct {
	id          string
	s           *Server
	conn        *websocket.Conn
	who         auth.Identity
	room        *room.Room
	connectedAt time.Time
	log         zerolog.Logger

	state atomic.Int32
	send  chan common.Message

	closeOnce sync.Once
	done      chan struct{} // closed once Close was called
	reason    common.Message
	wrote     chan struct{} // closed when writePump exits
}

func (s *Server) newClient(conn *websocket.Conn, id string, who auth.Identity) *Client {
	c := &Client{
		id:          id,
		s:           s,
		conn:        conn,
		who:         who,
		connectedAt: time.Now(),
		log: s.log.With().
			Str("session", id).
			Str("user_id", who.UserID).
			Str("document_id", who.DocumentID).
			Logger(),
		send:  make(chan common.Message, s.cfg.SendQueue),
		done:  make(chan struct{}),
		wrote: make(chan struct{}),
	}
	c.state.Store(int32(Authenticating))
	return c
}

func (c *Client) ID() string     { return c.id }
func (c *Client) UserID() string { return c.who.UserID }
func (c *Client) CanEdit() bool  { return c.who.CanEdit }
func (c *Client) State() State   { return State(c.state.Load()) }

// Send queues msg for the writer without blocking.
func (c *Client) Send(msg common.Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Close moves the session to Closing. The writer sends an Error carrying
// code, if any, then the close frame.
func (c *Client) Close(code, reason string) {
	c.closeOnce.Do(func() {
		if code != "" {
			c.reason = common.NewError(code, reason)
		}
		c.state.Store(int32(Closing))
		close(c.done)
	})
}

// closeCode maps an error code to the websocket close status.
func closeCode(code string) int {
	switch code {
	case "":
		return websocket.CloseNormalClosure
	case common.CodeUnauthorized, common.CodeReadOnly:
		return websocket.ClosePolicyViolation
	case common.CodeInvalidUpdate, common.CodeBadMessage:
		return websocket.CloseUnsupportedData
	case common.CodeSlowConsumer:
		return websocket.CloseTryAgainLater
	case common.CodeReset:
		return websocket.CloseServiceRestart
	case common.CodeShutdown:
		return websocket.CloseGoingAway
	default:
		return websocket.CloseInternalServerErr
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.wrote)
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				c.Close("", "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.s.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close("", "")
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
			if c.reason.Type == common.Error {
				c.conn.WriteJSON(c.reason)
			}
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(closeCode(c.reason.Code), c.reason.Code))
			return
		}
	}
}

// interact reads frames until the connection dies or the session is closed.
func (c *Client) interact() {
	defer c.finish()

	idle := c.s.cfg.IdleTimeout
	c.conn.SetReadLimit(c.s.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(idle))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for c.State() == Attached {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection lost")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(idle))

		var m common.Message
		if err := json.Unmarshal(data, &m); err != nil {
			c.Close(common.CodeBadMessage, "malformed message")
			return
		}
		if err := m.Check(); err != nil {
			c.Close(common.CodeBadMessage, err.Error())
			return
		}

		switch m.Type {
		case common.Update:
			c.handleUpdate(m)
		case common.Awareness:
			c.room.SetAwareness(c, m.Awareness[0])
		}
	}
}

func (c *Client) handleUpdate(m common.Message) {
	_, err := c.room.ApplyUpdate(c, m.Update)
	switch {
	case errors.Is(err, room.ErrReadOnly):
		logger.Audit(c.s.log, logger.AuditEvent{
			Action:     "update",
			UserID:     c.who.UserID,
			DocumentID: c.who.DocumentID,
			CanEdit:    false,
			Path:       string(c.who.Path),
			Outcome:    logger.OutcomeFailure,
			Err:        err,
		})
		c.Close(common.CodeReadOnly, "session is read-only")
		return
	case errors.Is(err, store.ErrInvalidUpdate):
		c.log.Warn().Err(err).Msg("rejected update")
		c.Close(common.CodeInvalidUpdate, "update could not be decoded")
		return
	case err != nil:
		c.Close(common.CodeBadMessage, err.Error())
		return
	}
	if m.Seq > 0 {
		c.ack(m.Seq)
	}
}

// ack confirms an applied update. A session whose queue cannot take the Ack
// is closed like any other slow consumer.
func (c *Client) ack(seq int) {
	if !c.Send(common.Message{Type: common.Ack, Seq: seq}) {
		c.log.Warn().Int("seq", seq).Msg("outbound queue full, closing session")
		c.Close(common.CodeSlowConsumer, "outbound queue full")
	}
}

func (c *Client) finish() {
	c.Close("", "")
	<-c.wrote
	if c.room != nil {
		c.s.rooms.Detach(c.room, c)
	}
	c.state.Store(int32(Closed))
	c.log.Info().
		Dur("duration", time.Since(c.connectedAt)).
		Msg("session closed")
}
