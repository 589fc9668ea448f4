package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/spf13/cobra"

	"github.com/rupa/seamstress/adapter/redisstream"
	"github.com/rupa/seamstress/config"
)

var errBadAddress = errors.New("osc address must start with '/'")

// SendOptions holds flags for the send command.
type SendOptions struct {
	*RootOptions
	Host   string
	Port   int
	Redis  string
	Stream string
	Signal bool
}

// NewSendCommand sends one OSC message (or, with --signal, a script
// signal over Redis) to a running seamstress.
func NewSendCommand(root *RootOptions) *cobra.Command {
	opts := &SendOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "send <address> [args...]",
		Short: "Send an OSC message to a running seamstress",
		Long: `Send an OSC message to a running seamstress.

Arguments are sent as int32 when they parse as integers, as float64 when
they parse as numbers, as booleans for "true" and "false", and as strings
otherwise. With --redis the message goes through the remote-control stream
instead of UDP; with --signal the address is a signal name and the first
argument its payload.`,
		Example: `  seamstress send /grid/led 3 4 1
  seamstress send --redis localhost:6379 /tempo 120.5
  seamstress send --redis localhost:6379 --signal reload`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			return send(ctx, cmd, opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Host, "host", "127.0.0.1", "host seamstress listens on")
	cmd.Flags().IntVarP(&opts.Port, "port", "p", config.Defaults().LocalPort, "UDP port seamstress listens on")
	cmd.Flags().StringVar(&opts.Redis, "redis", "", "send through this Redis instead of UDP")
	cmd.Flags().StringVar(&opts.Stream, "stream", "", "Redis stream (default: the remote-control default)")
	cmd.Flags().BoolVar(&opts.Signal, "signal", false, "send a script signal instead of OSC (Redis only)")
	return cmd
}

func send(ctx context.Context, cmd *cobra.Command, opts *SendOptions, args []string) error {
	if opts.Signal {
		if opts.Redis == "" {
			return &exitError{code: exitUsage, err: fmt.Errorf("--signal needs --redis")}
		}
		payload := strings.Join(args[1:], " ")
		return sendRedis(ctx, cmd, opts, func(s *redisstream.Sender) (string, error) {
			return s.SendSignal(ctx, args[0], payload)
		})
	}

	if !strings.HasPrefix(args[0], "/") {
		return &exitError{code: exitUsage, err: fmt.Errorf("%q: %w", args[0], errBadAddress)}
	}
	msg := osc.NewMessage(args[0], parseArgs(args[1:])...)
	if opts.Redis != "" {
		pkt, err := msg.MarshalBinary()
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		return sendRedis(ctx, cmd, opts, func(s *redisstream.Sender) (string, error) {
			return s.SendOSC(ctx, pkt, "seamstress-send")
		})
	}
	return osc.NewClient(opts.Host, opts.Port).Send(msg)
}

func sendRedis(ctx context.Context, cmd *cobra.Command, opts *SendOptions, fn func(*redisstream.Sender) (string, error)) error {
	cfg := redisstream.Defaults()
	cfg.Addr = opts.Redis
	if opts.Stream != "" {
		cfg.Stream = opts.Stream
	}
	s, err := redisstream.NewSender(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	id, err := fn(s)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

// parseArgs types command-line words for OSC.
func parseArgs(words []string) []any {
	out := make([]any, 0, len(words))
	for _, w := range words {
		if n, err := strconv.ParseInt(w, 10, 32); err == nil {
			out = append(out, int32(n))
			continue
		}
		if f, err := strconv.ParseFloat(w, 64); err == nil {
			out = append(out, f)
			continue
		}
		if w == "true" || w == "false" {
			out = append(out, w == "true")
			continue
		}
		out = append(out, w)
	}
	return out
}
