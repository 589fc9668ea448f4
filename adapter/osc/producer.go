// Package osc is the network producer: it listens for OSC datagrams on a UDP
// port and emits each one as a seamstress.NetworkMessage. Decoding is left to
// the engine.
package osc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
	"github.com/rupa/seamstress/internal/cfgmap"
)

const (
	ProducerName = "osc"

	// DefaultPort is the local port scripts are reached on.
	DefaultPort = 7777

	// maxDatagram is the largest UDP payload.
	maxDatagram = 65535
)

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		return New(ConfigFromMap(cfg), nil), nil
	}); err != nil {
		panic(fmt.Errorf("seamstress: failed to register producer %q: %w", ProducerName, err))
	}
}

// Config controls the listener.
type Config struct {
	// Host to bind (default: all interfaces).
	Host string
	// Port to bind (default: DefaultPort). Zero after defaults means an
	// ephemeral port, see Addr.
	Port int
}

func ConfigFromMap(m map[string]any) Config {
	c := cfgmap.Map(m)
	return Config{
		Host: c.String("host", ""),
		Port: c.Int("port", DefaultPort),
	}
}

// Producer owns the UDP socket.
type Producer struct {
	cfg    Config
	logger *xlog.Logger

	mu   sync.Mutex
	conn *net.UDPConn
	done chan struct{}

	stopping atomic.Bool
	received atomic.Uint64
	rejected atomic.Uint64
}

var (
	_ seamstress.Producer     = (*Producer)(nil)
	_ seamstress.RoleProvider = (*Producer)(nil)
)

func New(cfg Config, logger *xlog.Logger) *Producer {
	if cfg.Port < 0 {
		cfg.Port = DefaultPort
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Producer{cfg: cfg, logger: logger}
}

func (p *Producer) Name() string { return ProducerName }

func (p *Producer) Role() seamstress.ProducerRole { return seamstress.RoleNetwork }

// Init binds the socket. A port in use fails startup.
func (p *Producer) Init(ctx context.Context) error {
	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return fmt.Errorf("osc: bind %s: %w", addr, err)
	}
	p.mu.Lock()
	p.conn = pc.(*net.UDPConn)
	p.mu.Unlock()
	p.logger.Info().Str("addr", pc.LocalAddr().String()).Msg("seamstress: osc listening")
	return nil
}

// Addr is the bound address, or nil before Init.
func (p *Producer) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	return p.conn.LocalAddr()
}

// Start launches the read loop.
func (p *Producer) Start(_ context.Context, emit seamstress.Emitter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return errors.New("osc: not initialized")
	}
	p.done = make(chan struct{})
	go p.readLoop(p.conn, emit, p.done)
	return nil
}

func (p *Producer) readLoop(conn *net.UDPConn, emit seamstress.Emitter, done chan struct{}) {
	defer close(done)
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if p.stopping.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			p.logger.Warn().Err(err).Msg("seamstress: osc read failed")
			continue
		}
		p.received.Add(1)
		if err := emit.Emit(seamstress.NewNetworkMessage(buf[:n], from.String())); err != nil {
			p.rejected.Add(1)
			if errors.Is(err, seamstress.ErrQueueClosed) {
				return
			}
		}
	}
}

// Stop closes the socket, which unblocks the read loop, and waits for it.
func (p *Producer) Stop(ctx context.Context) error {
	p.stopping.Store(true)
	p.mu.Lock()
	conn, done := p.conn, p.done
	p.conn = nil
	p.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Deinit releases the socket if Start never ran.
func (p *Producer) Deinit(context.Context) error {
	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Stats counts datagrams read and those the runtime refused.
type Stats struct {
	Received uint64
	Rejected uint64
}

func (p *Producer) Stats() Stats {
	return Stats{Received: p.received.Load(), Rejected: p.rejected.Load()}
}
