package config

import "sync/atomic"

// Live holds the active configuration for long-running processes. Readers
// always see a complete Config; Set swaps it atomically after a reload.
type Live struct {
	p atomic.Pointer[Config]
}

func NewLive(cfg *Config) *Live {
	l := &Live{}
	l.Set(cfg)
	return l
}

func (l *Live) Get() *Config {
	if l == nil {
		return nil
	}
	return l.p.Load()
}

func (l *Live) Set(cfg *Config) {
	if cfg == nil {
		cfg = Default()
	}
	l.p.Store(cfg)
}
