package interceptor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gamerelay/packet"
	"gamerelay/rc4"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// keyPair is published once per connection after key recovery and after the
// recovered frames are on their way to the server. The cipher half belongs
// to the server writer from then on.
type keyPair struct {
	cipher   *rc4.Key
	decipher *rc4.Key
}

// Connection is one relayed client/server pair.
type Connection struct {
	id     string
	ic     *Interceptor
	client net.Conn
	server net.Conn
	logger *zap.Logger

	keys       atomic.Pointer[keyPair]
	production atomic.Pointer[string]
	framesIn   atomic.Int64
	framesOut  atomic.Int64
	started    time.Time

	clientIn *decipherReader
	toServer *peerWriter
	toClient *peerWriter

	// Outgoing relay goroutine only.
	handshake         int
	recoveryAttempted bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(ic *Interceptor, client, server net.Conn) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:      id,
		ic:      ic,
		client:  client,
		server:  server,
		logger:  ic.logger.WithConnection(id),
		started: time.Now(),
		closed:  make(chan struct{}),
	}
	c.clientIn = &decipherReader{r: client, key: c.decipherKey}
	c.toServer = &peerWriter{conn: server}
	c.toClient = &peerWriter{conn: client}
	return c
}

func (c *Connection) ID() string { return c.id }

// Keyed reports whether the cipher state for this connection is known.
func (c *Connection) Keyed() bool { return c.keys.Load() != nil }

// Production returns the client build string, empty until the first
// outgoing frame has been seen.
func (c *Connection) Production() string {
	if p := c.production.Load(); p != nil {
		return *p
	}
	return ""
}

// Stats reports frames read per direction.
func (c *Connection) Stats() (incoming, outgoing int64) {
	return c.framesIn.Load(), c.framesOut.Load()
}

// Done is closed once both sockets are closed.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) decipherKey() *rc4.Key {
	if k := c.keys.Load(); k != nil {
		return k.decipher
	}
	return nil
}

// SendToServer runs m through the outgoing handlers and, unless blocked,
// writes it to the server enciphered with the current state.
func (c *Connection) SendToServer(ctx context.Context, m *packet.Message) error {
	return c.send(ctx, packet.Outgoing, m)
}

// SendToClient runs m through the incoming handlers and, unless blocked,
// writes it to the client.
func (c *Connection) SendToClient(ctx context.Context, m *packet.Message) error {
	return c.send(ctx, packet.Incoming, m)
}

func (c *Connection) send(ctx context.Context, dir packet.Direction, m *packet.Message) error {
	frame, ok, err := c.prepare(ctx, dir, m)
	if !ok || err != nil {
		return err
	}

	w := c.toClient
	if dir == packet.Outgoing {
		w = c.toServer
	}
	if err := w.write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame %d: %w", dir, m.ID, err)
	}
	return nil
}

// prepare notifies the handlers for dir and returns the encoded frame when m
// should still be forwarded.
func (c *Connection) prepare(ctx context.Context, dir packet.Direction, m *packet.Message) ([]byte, bool, error) {
	select {
	case <-c.closed:
		return nil, false, ErrClosed
	default:
	}

	if !m.Forwardable() {
		return nil, false, nil
	}
	if !c.ic.dispatcher(dir).Notify(withConnection(ctx, c), m) {
		if ce := c.logger.Check(zap.DebugLevel, "Packet withheld"); ce != nil {
			ce.Write(zap.Stringer("direction", dir),
				zap.Uint16("message_id", m.ID),
				zap.Bool("blocked", m.Blocked()),
				zap.Bool("valid", m.Valid()))
		}
		return nil, false, nil
	}
	return packet.Encode(m), true, nil
}

// Close closes both sockets. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.client.Close()
		c.server.Close()
		close(c.closed)
	})
}

type connectionKey struct{}

func withConnection(ctx context.Context, c *Connection) context.Context {
	if existing, ok := FromContext(ctx); ok && existing == c {
		return ctx
	}
	return context.WithValue(ctx, connectionKey{}, c)
}

// FromContext returns the connection a handler is being notified for, so it
// can inject frames of its own.
func FromContext(ctx context.Context) (*Connection, bool) {
	c, ok := ctx.Value(connectionKey{}).(*Connection)
	return c, ok
}
