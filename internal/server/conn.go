package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stenoproject/stenod/internal/log"
)

// outQueueDepth is the per-connection outbound line budget. A client that
// falls this far behind is dropped rather than backpressuring the engine.
const outQueueDepth = 256

const writeTimeout = 10 * time.Second

var (
	errQueueFull  = errors.New("server: outbound queue full")
	errConnClosed = errors.New("server: connection closed")
)

// Conn is one accepted control connection. All writes, command responses and
// subscribed events alike, go through a single writer goroutine so lines never
// interleave.
type Conn struct {
	id      string
	nc      net.Conn
	out     chan []byte
	closed  chan struct{}
	once    sync.Once
	onClose func()
	logger  zerolog.Logger
}

func newConn(nc net.Conn, onClose func()) *Conn {
	c := &Conn{
		id:      uuid.NewString(),
		nc:      nc,
		out:     make(chan []byte, outQueueDepth),
		closed:  make(chan struct{}),
		onClose: onClose,
	}
	c.logger = log.WithComponent("server").With().Str(log.FieldClientID, c.id).Logger()
	go c.writeLoop()
	return c
}

// ID implements broadcast.Client.
func (c *Conn) ID() string { return c.id }

// Send queues one line for delivery without blocking. It fails when the queue
// is full or the connection is closed.
func (c *Conn) Send(line []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	select {
	case c.out <- line:
		return nil
	default:
		return errQueueFull
	}
}

// Close shuts the connection down once; the registered callback runs exactly
// once, after the socket is closed.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.nc.Close()
		if c.onClose != nil {
			c.onClose()
		}
		c.logger.Debug().Msg("connection closed")
	})
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case line := <-c.out:
			buf := make([]byte, len(line)+1)
			copy(buf, line)
			buf[len(line)] = '\n'
			_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
			if _, err := c.nc.Write(buf); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close()
				return
			}
		}
	}
}
