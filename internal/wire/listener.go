package wire

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Handler receives one fully-handshaken call connection. HandleCall owns the
// connection for the lifetime of the call and returns when the call is over.
type Handler interface {
	HandleCall(ctx context.Context, conn *Conn)
}

// ListenerConfig holds transport listener tuning.
type ListenerConfig struct {
	// Addr is the TCP listen address (host:port).
	Addr string
	// HandshakeTimeout bounds the wait for the identity frame.
	HandshakeTimeout time.Duration
	// FrameTimeout bounds the wait for the body of a partially read frame.
	FrameTimeout time.Duration
	// IdleTimeout bounds the wait for the next frame on an idle connection.
	IdleTimeout time.Duration
	// AcceptRate caps new connections per second per source IP.
	AcceptRate float64
	// AcceptBurst is the per-IP accept burst.
	AcceptBurst int
}

func (c *ListenerConfig) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = 2 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.AcceptRate <= 0 {
		c.AcceptRate = 50
	}
	if c.AcceptBurst <= 0 {
		c.AcceptBurst = 100
	}
}

// Listener accepts switch connections and runs one handler per call.
type Listener struct {
	cfg      ListenerConfig
	handler  Handler
	ln       net.Listener
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
}

// NewListener creates a transport listener. Serve must be called to start
// accepting connections.
func NewListener(cfg ListenerConfig, handler Handler) *Listener {
	cfg.applyDefaults()
	return &Listener{
		cfg:      cfg,
		handler:  handler,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Addr returns the bound listen address, valid after Serve has bound.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Serve binds the configured address and accepts connections until ctx is
// cancelled. Each accepted connection is handshaken and handled on its own
// goroutine; Serve blocks until the listener closes and all calls finish.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("accept: %w", err)
			}
			if !l.allowPeer(nc.RemoteAddr()) {
				log.Printf("wire: refusing %s: accept rate exceeded", nc.RemoteAddr())
				_ = nc.Close()
				continue
			}
			g.Go(func() error {
				l.handleConn(ctx, nc)
				return nil
			})
		}
	})
	return g.Wait()
}

func (l *Listener) allowPeer(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.cfg.AcceptRate), l.cfg.AcceptBurst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func (l *Listener) handleConn(ctx context.Context, nc net.Conn) {
	conn, err := Handshake(nc, l.cfg)
	if err != nil {
		log.Printf("wire: handshake from %s failed: %v", nc.RemoteAddr(), err)
		_ = nc.Close()
		return
	}
	defer conn.Close()
	l.handler.HandleCall(ctx, conn)
}

// Handshake reads the mandatory identity frame off a raw connection and
// returns the typed call connection. The read loop is started before return.
func Handshake(nc net.Conn, cfg ListenerConfig) (*Conn, error) {
	cfg.applyDefaults()
	c := &Conn{
		nc:     nc,
		cfg:    cfg,
		frames: make(chan *Frame, 64),
		done:   make(chan struct{}),
	}

	first, err := c.readFrame(cfg.HandshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("identity frame: %w", err)
	}
	if first.Kind != KindIdentity {
		return nil, &ProtocolError{Reason: "first frame is " + first.Kind.String() + ", want IDENTITY"}
	}
	id, err := uuid.ParseBytes(first.Payload)
	if err != nil {
		return nil, &ProtocolError{Reason: "identity payload is not a UUID"}
	}
	c.identity = id

	go c.readLoop()
	return c, nil
}

// Conn is one switch connection carrying exactly one call. Inbound frames
// are delivered on Frames; outbound frames go through WriteFrame. Close is
// idempotent and fires the OnClose hook exactly once.
type Conn struct {
	nc       net.Conn
	cfg      ListenerConfig
	identity uuid.UUID
	dec      Decoder

	frames chan *Frame
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	hookMu  sync.Mutex
	onClose func()
}

// Identity returns the switch-supplied call UUID.
func (c *Conn) Identity() uuid.UUID { return c.identity }

// RemoteAddr returns the switch peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Frames returns the inbound frame stream. The channel closes when the
// connection dies; after that Err reports the cause.
func (c *Conn) Frames() <-chan *Frame { return c.frames }

// Done closes when the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection closed, nil for a locally requested close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.closeErr
	default:
		return nil
	}
}

// OnClose registers a hook invoked exactly once when the connection closes,
// whatever the trigger: hangup frame, read failure, write failure, or an
// explicit Close. Registering after close invokes the hook immediately.
func (c *Conn) OnClose(fn func()) {
	c.hookMu.Lock()
	select {
	case <-c.done:
		c.hookMu.Unlock()
		fn()
		return
	default:
	}
	c.onClose = fn
	c.hookMu.Unlock()
}

// WriteFrame encodes and writes one frame. Writes from concurrent goroutines
// are serialized; a failed write tears the connection down.
func (c *Conn) WriteFrame(ctx context.Context, f *Frame) error {
	select {
	case <-c.done:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.nc.SetWriteDeadline(dl)
	} else {
		_ = c.nc.SetWriteDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	if _, err := c.nc.Write(buf); err != nil {
		c.teardown(fmt.Errorf("write: %w", err))
		return err
	}
	return nil
}

// Close shuts the connection down. Safe to call any number of times from any
// goroutine; cleanup runs once.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		_ = c.nc.Close()
		close(c.done)
		c.hookMu.Lock()
		fn := c.onClose
		c.hookMu.Unlock()
		if fn != nil {
			fn()
		}
	})
}

// readFrame reads exactly one frame, blocking up to the given window.
func (c *Conn) readFrame(window time.Duration) (*Frame, error) {
	buf := make([]byte, 4096)
	for {
		if f, err := c.dec.Next(); err == nil {
			return f, nil
		} else if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(window))
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && c.dec.Pending() > 0 {
				return nil, &ProtocolTimeout{Wanted: -1, Buffered: c.dec.Pending()}
			}
			return nil, err
		}
	}
}

// readLoop pumps decoded frames into the inbound channel until the
// connection dies. A hangup or error frame is delivered and then closes the
// connection from this side too.
func (c *Conn) readLoop() {
	defer close(c.frames)
	buf := make([]byte, 4096)
	for {
		for {
			f, err := c.dec.Next()
			if err != nil {
				if errors.Is(err, ErrNeedMoreData) {
					break
				}
				c.teardown(err)
				return
			}
			select {
			case c.frames <- f:
			case <-c.done:
				return
			}
			if f.Kind == KindHangup || f.Kind == KindError {
				c.teardown(nil)
				return
			}
		}

		// A pending frame body must complete within the frame window;
		// an empty buffer may idle for longer.
		window := c.cfg.IdleTimeout
		if c.dec.Pending() > 0 {
			window = c.cfg.FrameTimeout
		}
		_ = c.nc.SetReadDeadline(time.Now().Add(window))
		n, err := c.nc.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && c.dec.Pending() > 0 {
				c.teardown(&ProtocolTimeout{Wanted: -1, Buffered: c.dec.Pending()})
				return
			}
			c.teardown(err)
			return
		}
	}
}
