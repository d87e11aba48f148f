package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handlers receive the callbacks of one opened stream. Every callback is
// tagged with the connection generation it belongs to and is only invoked
// while that generation is current. All callbacks for a generation run on
// a single goroutine, in receipt order.
type Handlers struct {
	// OnMessage receives each raw frame.
	OnMessage func(gen uint64, raw []byte)
	// OnError receives a dial failure. No other callback follows it.
	OnError func(gen uint64, err error)
	// OnClose receives the read failure that ended an open connection.
	OnClose func(gen uint64, err error)
}

// Dispatcher owns the single live stream connection. Opening a stream
// always closes the previous one first, and callbacks from superseded
// connections are dropped.
type Dispatcher struct {
	dialer Dialer
	base   string
	log    *zap.Logger

	mu     sync.Mutex
	gen    uint64
	active *activeConn
	wg     sync.WaitGroup
}

// activeConn is the connection for one generation. conn is nil while the
// dial is in flight.
type activeConn struct {
	id     string
	gen    uint64
	conn   Conn
	cancel context.CancelFunc
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	BaseURL string // e.g. ws://localhost:8004/generate-stream
	Dialer  Dialer // defaults to WebsocketDialer{}
	Logger  *zap.Logger
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("stream: dispatcher: base url is required")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{dialer: dialer, base: opts.BaseURL, log: log}, nil
}

// Open supersedes any current connection and starts a new one for key. It
// returns the new generation immediately; the dial and all reads happen on
// a background goroutine that reports through h. A bad address is returned
// directly and leaves no connection.
func (d *Dispatcher) Open(ctx context.Context, key Key, h Handlers) (uint64, error) {
	addr, err := Address(d.base, key)
	if err != nil {
		d.Close()
		return 0, err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.closeLocked()
	d.gen++
	ac := &activeConn{id: uuid.NewString(), gen: d.gen, cancel: cancel}
	d.active = ac
	d.wg.Add(1)
	d.mu.Unlock()

	d.log.Debug("opening stream",
		zap.String("conn", ac.id),
		zap.Uint64("generation", ac.gen),
		zap.String("topic", key.Topic),
		zap.String("model", key.Provider+"/"+key.Model))

	go d.run(dialCtx, ac, addr, h)
	return ac.gen, nil
}

// Close closes the current connection, if any, and invalidates its
// generation. It does not wait for the reader to exit and is safe to call
// from inside a handler.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closeLocked()
	d.gen++
	d.mu.Unlock()
}

// CloseGeneration closes the connection only if it still belongs to gen.
// It reports whether a connection was closed. Handlers use it so that a
// terminal event cannot close a connection opened after it.
func (d *Dispatcher) CloseGeneration(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil || d.active.gen != gen {
		return false
	}
	d.closeLocked()
	d.gen++
	return true
}

// Shutdown closes the current connection and waits for every reader
// goroutine to exit. It must not be called from a handler.
func (d *Dispatcher) Shutdown() {
	d.Close()
	d.wg.Wait()
}

// Generation returns the current connection generation.
func (d *Dispatcher) Generation() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gen
}

// Connected reports whether a connection is open or being dialed.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active != nil
}

func (d *Dispatcher) closeLocked() {
	ac := d.active
	if ac == nil {
		return
	}
	d.active = nil
	ac.cancel()
	if ac.conn != nil {
		if err := ac.conn.Close(); err != nil {
			d.log.Debug("closing stream", zap.String("conn", ac.id), zap.Error(err))
		}
	}
	d.log.Debug("stream closed", zap.String("conn", ac.id), zap.Uint64("generation", ac.gen))
}

// current reports whether ac is still the live connection.
func (d *Dispatcher) current(ac *activeConn) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active == ac
}

// run dials and then reads until the connection fails or is superseded.
func (d *Dispatcher) run(ctx context.Context, ac *activeConn, addr string, h Handlers) {
	defer d.wg.Done()

	conn, err := d.dialer.Dial(ctx, addr)
	if err != nil {
		d.mu.Lock()
		live := d.active == ac
		if live {
			d.active = nil
			ac.cancel()
		}
		d.mu.Unlock()
		if live {
			d.log.Warn("stream dial failed", zap.String("conn", ac.id), zap.Error(err))
			if h.OnError != nil {
				h.OnError(ac.gen, err)
			}
		}
		return
	}

	d.mu.Lock()
	if d.active != ac {
		d.mu.Unlock()
		conn.Close()
		return
	}
	ac.conn = conn
	d.mu.Unlock()

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			d.mu.Lock()
			live := d.active == ac
			if live {
				d.closeLocked()
			}
			d.mu.Unlock()
			if live && h.OnClose != nil {
				h.OnClose(ac.gen, err)
			}
			return
		}
		if !d.current(ac) {
			continue
		}
		if h.OnMessage != nil {
			h.OnMessage(ac.gen, raw)
		}
	}
}
