package config

// ProducerSpec names a registered producer and the config blob its factory
// receives.
type ProducerSpec struct {
	Name   string
	Config map[string]any
}

// Producers lists the optional producers the file configures. The osc,
// device, input and scriptwatch producers are owned by the command line.
func (c Config) Producers() []ProducerSpec {
	var specs []ProducerSpec
	for _, t := range c.Timers {
		specs = append(specs, ProducerSpec{Name: "timer", Config: map[string]any{"name": t.Name, "interval": t.Interval}})
	}
	if r := c.Remote; r != nil {
		specs = append(specs, ProducerSpec{Name: "redis-streams", Config: map[string]any{
			"addr":     r.Addr,
			"password": r.Password,
			"db":       r.DB,
			"stream":   r.Stream,
			"group":    r.Group,
			"tls":      r.TLS,
		}})
	}
	return specs
}
