package config

// RedactedConfig returns a shallow copy of cfg with sensitive fields replaced
// by the redaction placeholder "***". Use this when logging the active
// configuration so secrets are never accidentally exposed.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Wallet = cfg.Wallet
	redact(&out.Wallet.PrivateKey)

	out.Store = cfg.Store
	redact(&out.Store.Password)

	out.Journal = cfg.Journal
	redact(&out.Journal.DSN)

	// Copy slices and maps so callers cannot mutate the original through the
	// redacted copy.
	if cfg.Agents != nil {
		out.Agents = make([]string, len(cfg.Agents))
		copy(out.Agents, cfg.Agents)
	}
	if cfg.Budget.Allocations != nil {
		out.Budget.Allocations = make(map[string]float64, len(cfg.Budget.Allocations))
		for k, v := range cfg.Budget.Allocations {
			out.Budget.Allocations[k] = v
		}
	}

	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
