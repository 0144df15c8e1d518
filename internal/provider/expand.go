package provider

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderPattern matches ${VAR} and ${VAR:-default}.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

// expandString substitutes every placeholder in s. A ${VAR} with no default
// fails when VAR is unset; ${VAR:-default} falls back to the default.
func expandString(s string, lookup LookupFunc) (string, error) {
	var missing []string

	out := placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, fallback := groups[1], groups[2] != "", groups[3]

		if value, ok := lookup(name); ok {
			return value
		}
		if hasDefault {
			return fallback
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved environment placeholder %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// expanded returns a copy of c with all placeholders in its string fields
// resolved against lookup. The original is never mutated; the persisted form
// keeps its raw placeholders.
func (c *Config) expanded(lookup LookupFunc) (*Config, error) {
	out := c.clone()

	fields := []*string{&out.Command, &out.WorkDir, &out.URL}
	for _, f := range fields {
		v, err := expandString(*f, lookup)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", c.ID, err)
		}
		*f = v
	}

	for i, arg := range out.Args {
		v, err := expandString(arg, lookup)
		if err != nil {
			return nil, fmt.Errorf("provider %s: args[%d]: %w", c.ID, i, err)
		}
		out.Args[i] = v
	}

	for k, val := range out.Env {
		v, err := expandString(val, lookup)
		if err != nil {
			return nil, fmt.Errorf("provider %s: env %s: %w", c.ID, k, err)
		}
		out.Env[k] = v
	}

	for k, val := range out.Headers {
		v, err := expandString(val, lookup)
		if err != nil {
			return nil, fmt.Errorf("provider %s: header %s: %w", c.ID, k, err)
		}
		out.Headers[k] = v
	}

	return out, nil
}
