package config

import "fmt"

// Validate performs configuration validation
func (c *Config) Validate() error {
	if c.Store.Type != "memory" && c.Store.Type != "redis" {
		return fmt.Errorf("invalid store type: %q", c.Store.Type)
	}
	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store.redis.addr is required when store type is redis")
	}
	if c.RateLimit.Type != "memory" && c.RateLimit.Type != "redis" {
		return fmt.Errorf("invalid rate limit type: %q", c.RateLimit.Type)
	}
	if c.RateLimit.Type == "redis" && c.RateLimit.Redis.Addr == "" {
		return fmt.Errorf("rate_limit.redis.addr is required when rate limit type is redis")
	}
	if c.RateLimit.GlobalCapacity > 0 && c.RateLimit.GlobalRefillRate <= 0 {
		return fmt.Errorf("rate_limit.global_refill_rate must be positive when a global capacity is set")
	}
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.Model == "" {
		return fmt.Errorf("upstream.model is required")
	}
	if c.Store.ContextWindow < 2 {
		return fmt.Errorf("store.context_window must hold at least one exchange, got %d", c.Store.ContextWindow)
	}
	return nil
}
