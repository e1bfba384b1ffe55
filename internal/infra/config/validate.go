package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Validate checks a Config for inconsistencies that would only surface at
// runtime otherwise. It is called by Load after env overrides are applied.
func Validate(cfg *Config) error {
	var problems []string

	if cfg.Relay.Addr == "" {
		problems = append(problems, "relay.addr must not be empty")
	}
	if cfg.Relay.TunnelTimeout <= 0 {
		problems = append(problems, "relay.tunnel_timeout must be positive")
	}
	if cfg.Relay.RateLimit < 0 {
		problems = append(problems, "relay.rate_limit must not be negative")
	}
	if cfg.Relay.RateLimit > 0 && cfg.Relay.RateBurst <= 0 {
		problems = append(problems, "relay.rate_burst must be positive when rate_limit is set")
	}

	if cfg.Agent.CoordinatorURL != "" {
		u, err := url.Parse(cfg.Agent.CoordinatorURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			problems = append(problems, "agent.coordinator_url must be a ws:// or wss:// URL")
		}
	}
	if cfg.Agent.Origin != "" {
		u, err := url.Parse(cfg.Agent.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			problems = append(problems, "agent.origin must be an http:// or https:// URL")
		}
	}

	for i, w := range cfg.Emulator.Workers {
		if w.Name == "" {
			problems = append(problems, fmt.Sprintf("emulator.workers[%d].name must not be empty", i))
		}
		if w.Path == "" {
			problems = append(problems, fmt.Sprintf("emulator.workers[%d].path must not be empty", i))
		}
	}

	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("logger.format %q is not supported (want text or json)", cfg.Logger.Format))
	}

	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		problems = append(problems, fmt.Sprintf("tracer.exporter %q is not supported (want noop or stdout)", cfg.Tracer.Exporter))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
