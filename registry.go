package seamstress

import (
	"errors"
	"sort"
	"sync"
)

// ProducerFactory constructs a producer from a config blob.
type ProducerFactory func(cfg map[string]any) (Producer, error)

var (
	producerRegistryMu sync.RWMutex
	producerRegistry   = map[string]ProducerFactory{}
)

// RegisterProducer registers a producer adapter by name. Adapters call it
// from init().
func RegisterProducer(name string, factory ProducerFactory) error {
	if name == "" {
		return errors.New("producer name must not be empty")
	}
	if factory == nil {
		return errors.New("producer factory must not be nil")
	}
	producerRegistryMu.Lock()
	producerRegistry[name] = factory
	producerRegistryMu.Unlock()
	return nil
}

// NewProducer constructs a registered producer by name with config.
func NewProducer(name string, cfg map[string]any) (Producer, error) {
	producerRegistryMu.RLock()
	f, ok := producerRegistry[name]
	producerRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownProducer{name: name}
	}
	return f(cfg)
}

// RegisteredProducers lists registered producer names in sorted order.
func RegisteredProducers() []string {
	producerRegistryMu.RLock()
	names := make([]string, 0, len(producerRegistry))
	for name := range producerRegistry {
		names = append(names, name)
	}
	producerRegistryMu.RUnlock()
	sort.Strings(names)
	return names
}
