package failover

import (
	"sync"
	"time"
)

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    30 * time.Second,
		Max:        10 * time.Minute,
		Multiplier: 4,
	}
}

type modelStats struct {
	errors int
	until  time.Time
}

// Cooldowns tracks models that recently hit rate or auth limits so the
// controller can skip them. Backoff grows with consecutive errors.
type Cooldowns struct {
	mu     sync.Mutex
	config CooldownConfig
	stats  map[string]*modelStats
}

func NewCooldowns(cfg CooldownConfig) *Cooldowns {
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	return &Cooldowns{config: cfg, stats: make(map[string]*modelStats)}
}

func (c *Cooldowns) Put(model string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[model]
	if !ok {
		st = &modelStats{}
		c.stats[model] = st
	}
	st.errors++
	st.until = now.Add(c.duration(st.errors))
}

func (c *Cooldowns) Active(model string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[model]
	return ok && now.Before(st.until)
}

func (c *Cooldowns) Reset(model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stats, model)
}

func (c *Cooldowns) duration(errorCount int) time.Duration {
	d := c.config.Initial
	for i := 1; i < errorCount; i++ {
		d *= time.Duration(c.config.Multiplier)
		if d > c.config.Max {
			return c.config.Max
		}
	}
	return d
}
