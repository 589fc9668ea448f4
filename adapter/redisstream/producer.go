package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/trickstertwo/xlog"

	"github.com/rupa/seamstress"
)

// Adapter: Redis Streams remote control (Strategy + Adapter patterns)

const ProducerName = "redis-streams"

func init() {
	if err := seamstress.RegisterProducer(ProducerName, func(cfg map[string]any) (seamstress.Producer, error) {
		p, err := New(ConfigFromMap(cfg), nil)
		if err != nil {
			return nil, err
		}
		return p, nil
	}); err != nil {
		panic(fmt.Errorf("seamstress: failed to register producer %q: %w", ProducerName, err))
	}
}

// Producer reads remote-control entries from a Redis stream.
type Producer struct {
	cfg    Config
	logger *xlog.Logger

	mu     sync.Mutex
	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}

	metrics *producerMetrics
}

type producerMetrics struct {
	consumed      atomic.Uint64
	emitted       atomic.Uint64
	acked         atomic.Uint64
	skipped       atomic.Uint64
	consumeErrors atomic.Uint64
}

var (
	_ seamstress.Producer     = (*Producer)(nil)
	_ seamstress.RoleProvider = (*Producer)(nil)
)

// New validates cfg. The connection is made in Init.
func New(cfg Config, logger *xlog.Logger) (*Producer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = xlog.Default()
	}
	return &Producer{cfg: cfg, logger: logger, metrics: &producerMetrics{}}, nil
}

func (p *Producer) Name() string { return ProducerName }

func (p *Producer) Role() seamstress.ProducerRole { return seamstress.RoleRemote }

// Init connects, pings and ensures the consumer group exists.
func (p *Producer) Init(ctx context.Context) error {
	client := newClient(p.cfg)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return err
	}
	if p.cfg.AutoCreate {
		err := client.XGroupCreateMkStream(ctx, p.cfg.Stream, p.cfg.Group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			_ = client.Close()
			return fmt.Errorf("redisstream: create group: %w", err)
		}
	}
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()
	return nil
}

func (p *Producer) Deinit(context.Context) error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Start launches the poller. Entries left pending by a previous run are
// replayed first.
func (p *Producer) Start(ctx context.Context, emit seamstress.Emitter) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return errors.New("redisstream: not initialized")
	}
	pctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go func(client *redis.Client, done chan struct{}) {
		defer close(done)
		p.pollerLoop(pctx, client, emit)
	}(p.client, p.done)
	return nil
}

// Stop cancels the poller and waits for it.
func (p *Producer) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Producer) pollerLoop(ctx context.Context, client *redis.Client, emit seamstress.Emitter) {
	// An id cursor reads this consumer's pending entries after that id; ">"
	// reads new ones.
	cursor := "0"
	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		args := &redis.XReadGroupArgs{
			Group:    p.cfg.Group,
			Consumer: p.cfg.Consumer,
			Streams:  []string{p.cfg.Stream, cursor},
			Count:    int64(p.cfg.BatchSize),
			Block:    p.cfg.Block,
		}
		res, err := client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				backoff = 100 * time.Millisecond
				continue
			}
			p.metrics.consumeErrors.Add(1)
			p.logger.Warn().Err(err).Str("stream", p.cfg.Stream).Msg("redisstream: read failed")
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		lastID := ""
		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				p.metrics.consumed.Add(1)
				if !p.forward(ctx, client, emit, msg) {
					return
				}
			}
		}
		if cursor != ">" {
			// Walk the pending list past what was just replayed.
			if lastID == "" {
				cursor = ">"
			} else {
				cursor = lastID
			}
		}
	}
}

// forward emits one entry and acknowledges it. It returns false once the
// runtime stopped accepting events; the entry then stays pending.
func (p *Producer) forward(ctx context.Context, client *redis.Client, emit seamstress.Emitter, msg redis.XMessage) bool {
	ev, err := decodeEntry(msg)
	if err != nil {
		p.metrics.skipped.Add(1)
		p.logger.Warn().Err(err).Str("id", msg.ID).Msg("redisstream: skipping entry")
		p.ack(ctx, client, msg.ID)
		return true
	}
	if err := emit.Emit(ev); err != nil {
		if errors.Is(err, seamstress.ErrQueueClosed) {
			return false
		}
		// Queue full: leave pending so the entry is replayed on restart.
		p.logger.Warn().Err(err).Str("id", msg.ID).Msg("redisstream: event dropped")
		return true
	}
	p.metrics.emitted.Add(1)
	p.ack(ctx, client, msg.ID)
	return true
}

func (p *Producer) ack(ctx context.Context, client *redis.Client, id string) {
	if err := client.XAck(ctx, p.cfg.Stream, p.cfg.Group, id).Err(); err != nil {
		p.logger.Warn().Err(err).Str("id", id).Msg("redisstream: ack failed")
		return
	}
	p.metrics.acked.Add(1)
	if p.cfg.AutoDeleteOnAck {
		_ = client.XDel(ctx, p.cfg.Stream, id).Err()
	}
}

// decodeEntry maps a stream entry to an event.
func decodeEntry(msg redis.XMessage) (seamstress.Event, error) {
	get := func(k string) string {
		switch v := msg.Values[k].(type) {
		case string:
			return v
		case []byte:
			return string(v)
		}
		return ""
	}

	switch kind := get(fieldKind); kind {
	case "", kindOSC:
		payload := get(fieldPayload)
		if payload == "" {
			return nil, fmt.Errorf("redisstream: entry %s has no payload", msg.ID)
		}
		from := "redis"
		if f := get(fieldFrom); f != "" {
			from = "redis:" + f
		}
		return seamstress.NewNetworkMessage([]byte(payload), from), nil
	case kindSignal:
		name := get(fieldName)
		if name == "" {
			return nil, fmt.Errorf("redisstream: signal entry %s has no name", msg.ID)
		}
		return seamstress.Signal{Name: name, Payload: get(fieldPayload)}, nil
	default:
		return nil, fmt.Errorf("redisstream: entry %s has unknown kind %q", msg.ID, kind)
	}
}

// Stats returns producer telemetry.
type Stats struct {
	Consumed      uint64
	Emitted       uint64
	Acked         uint64
	Skipped       uint64
	ConsumeErrors uint64
}

func (p *Producer) Stats() Stats {
	return Stats{
		Consumed:      p.metrics.consumed.Load(),
		Emitted:       p.metrics.emitted.Load(),
		Acked:         p.metrics.acked.Load(),
		Skipped:       p.metrics.skipped.Load(),
		ConsumeErrors: p.metrics.consumeErrors.Load(),
	}
}

func newClient(cfg Config) *redis.Client {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     4,
		MinIdleConns: 1,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return redis.NewClient(opts)
}

func ping(ctx context.Context, c *redis.Client) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
