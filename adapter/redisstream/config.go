package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams remote-control producer.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Stream and consumer group
	Stream     string
	Group      string
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// AutoDeleteOnAck removes entries once they were handed to the runtime.
	AutoDeleteOnAck bool
	// MaxLenApprox trims the stream on Send (0 = unbounded).
	MaxLenApprox int64
}

// Defaults returns a Config for a local Redis.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "seamstress"
	}

	return Config{
		Addr:       "127.0.0.1:6379",
		Stream:     "seamstress:remote",
		Group:      "seamstress",
		Consumer:   fmt.Sprintf("seamstress-%s-%d", hostname, os.Getpid()),
		BatchSize:  64,
		Block:      time.Second,
		AutoCreate: true,
	}
}

// Validate checks Config before connecting.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Stream == "" {
		return fmt.Errorf("config: stream required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	return nil
}

// ConfigFromMap safely converts cfg into Config with defaults.
func ConfigFromMap(cfg map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := cfg[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := cfg[k].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	def := Defaults()
	return Config{
		Addr:          getString("addr", def.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		Stream:     getString("stream", def.Stream),
		Group:      getString("group", def.Group),
		Consumer:   getString("consumer", def.Consumer),
		BatchSize:  getInt("batch_size", def.BatchSize),
		Block:      getDur("block", def.Block),
		AutoCreate: getBool("auto_create", def.AutoCreate),

		AutoDeleteOnAck: getBool("auto_delete_on_ack", false),
		MaxLenApprox:    getInt64("max_len_approx", 0),
	}
}
