// Package interceptor relays a game client's connection to the real server,
// recovers the client's stream cipher and hands every decoded frame to
// registered handlers, which may inspect, change or drop it before it is
// forwarded.
package interceptor

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"gamerelay/catalog"
	"gamerelay/dispatch"
	"gamerelay/keysource"
	"gamerelay/packet"
	"gamerelay/recovery"
	"gamerelay/shared"

	"go.uber.org/zap"
)

// Redirector points the game host name at the relay.
type Redirector interface {
	AddRedirect(ip, hostname string) error
	RemoveRedirects() error
}

// Resolver finds the real game server address without the redirect.
type Resolver interface {
	Resolve(ctx context.Context, hostname string) (net.IP, error)
}

// Dependencies are the optional collaborators of an Interceptor. A nil
// Redirector or Resolver disables that step; a nil Keys source leaves every
// connection unkeyed.
type Dependencies struct {
	Redirector Redirector
	Resolver   Resolver
	Keys       keysource.Source
	Catalog    catalog.Loader
}

type Interceptor struct {
	config     *Config
	logger     *shared.Logger
	redirector Redirector
	resolver   Resolver
	keys       keysource.Source
	loader     catalog.Loader

	catalog  *catalog.Catalog
	incoming *dispatch.Dispatcher
	outgoing *dispatch.Dispatcher
	controls *Controls
	engine   *recovery.Engine
	dialer   *Dialer

	listener   net.Listener
	serverAddr string
	redirected atomic.Bool

	mu    sync.Mutex
	conns map[*Connection]struct{}

	current       atomic.Pointer[Connection]
	established   chan struct{}
	establishOnce sync.Once

	started  atomic.Bool
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(config *Config, deps Dependencies, logger *shared.Logger) (*Interceptor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid interceptor config: %w", err)
	}
	if logger == nil {
		logger = shared.Wrap(nil, "interceptor")
	}

	return &Interceptor{
		config:      config,
		logger:      logger,
		redirector:  deps.Redirector,
		resolver:    deps.Resolver,
		keys:        deps.Keys,
		loader:      deps.Catalog,
		catalog:     catalog.New(),
		incoming:    dispatch.New(packet.Incoming, logger.Logger),
		outgoing:    dispatch.New(packet.Outgoing, logger.Logger),
		controls:    NewControls(),
		engine:      recovery.NewEngine(config.MaxFrameLength, logger.Logger),
		dialer:      NewDialer(config, logger.Logger),
		conns:       make(map[*Connection]struct{}),
		established: make(chan struct{}),
	}, nil
}

// Start resolves the game server, begins listening and installs the host
// redirect. It returns once the relay is accepting. A failed Start may be
// retried.
func (i *Interceptor) Start(ctx context.Context) error {
	if !i.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	i.ctx, i.cancel = context.WithCancel(ctx)
	fail := func(err error) error {
		i.cancel()
		i.started.Store(false)
		return err
	}

	i.serverAddr = i.config.ServerAddr(i.resolveServer(ctx))

	listener, err := net.Listen("tcp", i.config.ListenAddr)
	if err != nil {
		return fail(fmt.Errorf("failed to listen on %s: %w", i.config.ListenAddr, err))
	}

	if i.config.RedirectEnabled && i.redirector != nil {
		if err := i.redirector.AddRedirect(i.config.ListenIP(), i.config.GameHost); err != nil {
			i.logger.Error("Failed to add host redirect", zap.String("host", i.config.GameHost), zap.Error(err))
			listener.Close()
			return fail(fmt.Errorf("failed to redirect %s: %w", i.config.GameHost, err))
		}
		i.redirected.Store(true)
	}
	i.listener = listener

	i.logger.Info("Interceptor started",
		zap.String("listen", listener.Addr().String()),
		zap.String("server", i.serverAddr),
		zap.String("network", i.config.UpstreamNetwork),
		zap.Bool("redirect", i.redirected.Load()))

	i.wg.Add(1)
	go i.acceptLoop()
	return nil
}

// resolveServer finds the game server address before the redirect is
// written. A nil result means dialing by host name.
func (i *Interceptor) resolveServer(ctx context.Context) net.IP {
	if i.resolver == nil || i.config.UpstreamNetwork != NetworkTCP {
		return nil
	}
	host := i.config.GameHost

	ip, err := i.resolver.Resolve(ctx, host)
	if err == nil {
		return ip
	}
	i.logger.Warn("Failed to resolve game host, using system resolver",
		zap.String("host", host), zap.Error(err))

	// The hosts file does not point at the relay yet.
	addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
	if err != nil || len(addrs) == 0 {
		i.logger.Warn("System resolver failed, dialing by host name",
			zap.String("host", host), zap.Error(err))
		return nil
	}
	return addrs[0]
}

// Stop closes the listener and every connection, waits for the relay
// goroutines and removes the host redirect.
func (i *Interceptor) Stop() {
	if !i.started.Load() {
		return
	}
	i.stopOnce.Do(func() {
		i.logger.Info("Stopping interceptor")
		i.cancel()
		if i.listener != nil {
			i.listener.Close()
		}

		i.mu.Lock()
		for c := range i.conns {
			c.Close()
		}
		i.mu.Unlock()

		i.wg.Wait()
		i.removeRedirect()
		i.logger.Info("Interceptor stopped")
	})
}

func (i *Interceptor) acceptLoop() {
	defer i.wg.Done()

	for {
		conn, err := i.listener.Accept()
		if err != nil {
			select {
			case <-i.ctx.Done():
				return
			default:
			}
			i.logger.Error("Failed to accept client connection", zap.Error(err))
			select {
			case <-i.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		i.wg.Add(1)
		go i.handle(conn)
	}
}

func (i *Interceptor) handle(client net.Conn) {
	defer i.wg.Done()

	server, err := i.dialer.Dial(i.ctx, i.serverAddr)
	if err != nil {
		i.logger.Error("Failed to connect to game server", zap.String("server", i.serverAddr), zap.Error(err))
		client.Close()
		return
	}

	c := newConnection(i, client, server)
	if !i.track(c) {
		c.Close()
		return
	}
	defer i.untrack(c)

	i.current.Store(c)
	i.establishOnce.Do(func() { close(i.established) })
	i.removeRedirect()
	c.logger.Info("Connected.",
		zap.String("client", client.RemoteAddr().String()),
		zap.String("server", i.serverAddr))

	if err := c.serve(i.ctx); err != nil {
		c.logger.Error("Relay failed", zap.Error(err))
	}

	i.current.CompareAndSwap(c, nil)
	in, out := c.Stats()
	c.logger.Info("Disconnected.",
		zap.Int64("frames_in", in),
		zap.Int64("frames_out", out),
		zap.Bool("keyed", c.Keyed()),
		zap.Duration("duration", time.Since(c.started)))
}

func (i *Interceptor) track(c *Connection) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.ctx.Err() != nil {
		return false
	}
	i.conns[c] = struct{}{}
	return true
}

func (i *Interceptor) untrack(c *Connection) {
	i.mu.Lock()
	delete(i.conns, c)
	i.mu.Unlock()
}

func (i *Interceptor) removeRedirect() {
	if !i.redirected.CompareAndSwap(true, false) {
		return
	}
	if err := i.redirector.RemoveRedirects(); err != nil {
		i.logger.Warn("Failed to remove host redirect", zap.Error(err))
		return
	}
	i.logger.Debug("Host redirect removed", zap.String("host", i.config.GameHost))
}

func (i *Interceptor) dispatcher(dir packet.Direction) *dispatch.Dispatcher {
	if dir == packet.Outgoing {
		return i.outgoing
	}
	return i.incoming
}

// Incoming is the handler chain for server to client frames.
func (i *Interceptor) Incoming() *dispatch.Dispatcher { return i.incoming }

// Outgoing is the handler chain for client to server frames.
func (i *Interceptor) Outgoing() *dispatch.Dispatcher { return i.outgoing }

func (i *Interceptor) Catalog() *catalog.Catalog { return i.catalog }

// Established is closed once the first client connection is relayed.
func (i *Interceptor) Established() <-chan struct{} { return i.established }

func (i *Interceptor) IsConnected() bool { return i.current.Load() != nil }

// Current returns the most recent live connection, or nil.
func (i *Interceptor) Current() *Connection { return i.current.Load() }

// Production returns the client build string of the current connection.
func (i *Interceptor) Production() string {
	if c := i.current.Load(); c != nil {
		return c.Production()
	}
	return ""
}

func (i *Interceptor) SetPaused(dir packet.Direction, paused bool) {
	if !i.controls.SetPaused(dir, paused) {
		i.logger.Warn("Ignoring pause for unknown direction", zap.Int("direction", int(dir)))
		return
	}
	i.logger.Info("Direction pause changed", zap.Stringer("direction", dir), zap.Bool("paused", paused))
}

func (i *Interceptor) Paused(dir packet.Direction) bool { return i.controls.Paused(dir) }

// Addr is the listening address, nil before Start.
func (i *Interceptor) Addr() net.Addr {
	if i.listener == nil {
		return nil
	}
	return i.listener.Addr()
}

// SendToServer injects m on the current connection.
func (i *Interceptor) SendToServer(ctx context.Context, m *packet.Message) error {
	c := i.current.Load()
	if c == nil {
		return ErrNotConnected
	}
	return c.SendToServer(ctx, m)
}

// SendToClient injects m on the current connection.
func (i *Interceptor) SendToClient(ctx context.Context, m *packet.Message) error {
	c := i.current.Load()
	if c == nil {
		return ErrNotConnected
	}
	return c.SendToClient(ctx, m)
}
