package session

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/key2drive/wally-gateway/pkg/gateway/live/protocol"
)

var errBackpressure = errors.New("client outbound backpressure")

const clientPriorityQueueSize = 16

// client is one attached websocket. The session loop owns the struct; the
// reader and writer goroutines only touch the connection and the channels.
type client struct {
	id   string
	conn wsConn

	priority chan outboundFrame
	normal   chan outboundFrame
	done     chan struct{}
	stopped  bool
}

func newClient(conn wsConn, queueSize int) *client {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &client{
		id:       uuid.NewString(),
		conn:     conn,
		priority: make(chan outboundFrame, clientPriorityQueueSize),
		normal:   make(chan outboundFrame, queueSize),
		done:     make(chan struct{}),
	}
}

// stop releases the writer; safe to call more than once from the loop.
func (c *client) stop() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}

// send marshals and enqueues one message without blocking the session loop.
// A full normal queue drops the frame (deltas are best-effort); a full
// priority queue reports backpressure so the loop can detach the client.
func (c *client) send(v any, prioritized bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	frame := outboundFrame{payload: payload}
	if prioritized {
		select {
		case c.priority <- frame:
			return nil
		default:
			return errBackpressure
		}
	}
	select {
	case c.normal <- frame:
	default:
	}
	return nil
}

// clientMessage carries one decoded inbound frame into the session loop.
// A nil msg with gone=true reports the reader exiting.
type clientMessage struct {
	client    *client
	msg       any
	decodeErr *protocol.DecodeError
	gone      bool
}

// readLoop feeds the session loop until the socket dies. Decoding happens
// here; all state transitions happen in the loop.
func (c *client) readLoop(cfg Config, inbound chan<- clientMessage, sessionDone <-chan struct{}) {
	if cfg.MaxMessageBytes > 0 {
		c.conn.SetReadLimit(cfg.MaxMessageBytes)
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	}

	forward := func(m clientMessage) bool {
		select {
		case inbound <- m:
			return true
		case <-sessionDone:
			return false
		case <-c.done:
			return false
		}
	}

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			forward(clientMessage{client: c, gone: true})
			return
		}
		if readTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		msg, derr := protocol.DecodeClientMessage(data)
		if derr != nil {
			de, ok := derr.(*protocol.DecodeError)
			if !ok {
				de = &protocol.DecodeError{Code: "bad_request", Message: derr.Error()}
			}
			if !forward(clientMessage{client: c, decodeErr: de}) {
				return
			}
			continue
		}
		if !forward(clientMessage{client: c, msg: msg}) {
			return
		}
	}
}
