package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"ndb/internal/fsutil"
)

// Load reads, parses and validates the policy file at path. On success the
// returned snapshot is never mutated; callers reload at tick boundaries to
// observe operator edits. Validation warnings are logged, not returned as
// errors.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ConfigError{Err: fmt.Errorf("policy file not found: %s (run 'ndb config init' to create one)", path)}
		}
		return nil, &ConfigError{Err: fmt.Errorf("reading policy file: %w", err)}
	}

	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("invalid JSON in %s: %w", path, err)}
	}

	warnings, err := p.Validate()
	for _, w := range warnings {
		slog.Warn("policy warning", "warning", w)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Save validates p and atomically replaces the policy file at path. A policy
// that fails validation is never written.
func Save(path string, p *Policy) error {
	if _, err := p.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return &ConfigError{Err: fmt.Errorf("encoding policy: %w", err)}
	}
	return fsutil.AtomicWrite(path, append(data, '\n'), 0o644)
}
