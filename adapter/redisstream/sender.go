package redisstream

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Sender appends remote-control entries to the stream a Producer reads.
type Sender struct {
	cfg    Config
	client *redis.Client
}

// NewSender connects to the configured Redis.
func NewSender(ctx context.Context, cfg Config) (*Sender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := newClient(cfg)
	if err := ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &Sender{cfg: cfg, client: client}, nil
}

// SendOSC appends a raw OSC packet and returns the entry id.
func (s *Sender) SendOSC(ctx context.Context, packet []byte, from string) (string, error) {
	return s.add(ctx, map[string]any{
		fieldKind:    kindOSC,
		fieldPayload: packet,
		fieldFrom:    from,
	})
}

// SendSignal appends a named signal and returns the entry id.
func (s *Sender) SendSignal(ctx context.Context, name, payload string) (string, error) {
	return s.add(ctx, map[string]any{
		fieldKind:    kindSignal,
		fieldName:    name,
		fieldPayload: payload,
	})
}

func (s *Sender) add(ctx context.Context, values map[string]any) (string, error) {
	args := &redis.XAddArgs{
		Stream: s.cfg.Stream,
		ID:     "*",
		Values: values,
	}
	if s.cfg.MaxLenApprox > 0 {
		args.MaxLen = s.cfg.MaxLenApprox
		args.Approx = true
	}
	return s.client.XAdd(ctx, args).Result()
}

func (s *Sender) Close() error { return s.client.Close() }
