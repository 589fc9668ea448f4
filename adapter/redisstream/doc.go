// Package redisstream provides a remote-control producer that reads a Redis
// stream through a consumer group and feeds its entries to the runtime.
//
// Producer name: "redis-streams"
//
// Entries carry a "kind" field. "osc" entries (the default) hold a raw OSC
// packet in "payload" and become NetworkMessage events from "redis:<from>";
// "signal" entries become Signal events named by "name". An entry is
// acknowledged only after the runtime accepted it, so entries that arrive
// during shutdown stay pending and are replayed on the next start.
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - stream: stream key (default "seamstress:remote")
//   - group: consumer group name (default "seamstress")
//   - consumer: consumer name (default "seamstress-<host>-<pid>")
//   - batch_size: XREADGROUP COUNT (default 64)
//   - block: XREADGROUP BLOCK duration (default 1s)
//   - auto_create: create group/stream if missing (default true)
//
// Example builder usage:
//
//	rt, _ := seamstress.NewRuntimeBuilder().
//	    WithEngine(engine).
//	    WithProducerNamed(redisstream.ProducerName, map[string]any{
//	        "addr":   "localhost:6379",
//	        "stream": "studio:remote",
//	    }).
//	    Build()
package redisstream
