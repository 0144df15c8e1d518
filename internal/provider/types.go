// Package provider maintains the pool of tool-provider connections and
// aggregates their operations into a single capability set for the agent.
package provider

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// TransportKind selects how a provider process is reached.
type TransportKind string

const (
	// TransportSubprocess spawns a local process and speaks newline-delimited
	// JSON-RPC over its standard streams.
	TransportSubprocess TransportKind = "subprocess"

	// TransportStreamingHTTP issues JSON-RPC requests over a persistent HTTP
	// connection.
	TransportStreamingHTTP TransportKind = "streaming-http"

	// TransportEventStream posts requests over HTTP and consumes responses
	// and notifications from a server-sent-event stream.
	TransportEventStream TransportKind = "event-stream"
)

// Config is one persisted, user-editable tool-provider entry.
type Config struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Transport TransportKind `yaml:"transport" json:"transport"`

	// Subprocess transport fields.
	Command string            `yaml:"command,omitempty" json:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`

	// Streaming-HTTP and event-stream transport fields.
	URL     string            `yaml:"url,omitempty" json:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Enabled bool          `yaml:"enabled" json:"enabled"`
}

// Validate checks the entry's shape for its transport kind.
func (c *Config) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("provider id is required")
	}

	switch c.Transport {
	case TransportSubprocess:
		if c.Command == "" {
			return fmt.Errorf("subprocess provider %s: command is required", c.ID)
		}
	case TransportStreamingHTTP, TransportEventStream:
		if c.URL == "" {
			return fmt.Errorf("%s provider %s: url is required", c.Transport, c.ID)
		}
		// A URL holding unresolved placeholders can only be shape-checked
		// after expansion.
		if !placeholderPattern.MatchString(c.URL) {
			u, err := url.Parse(c.URL)
			if err != nil {
				return fmt.Errorf("%s provider %s: invalid url: %w", c.Transport, c.ID, err)
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return fmt.Errorf("%s provider %s: url must use http or https", c.Transport, c.ID)
			}
			if u.Host == "" {
				return fmt.Errorf("%s provider %s: url has no host", c.Transport, c.ID)
			}
		}
	default:
		return fmt.Errorf("provider %s: unknown transport %q", c.ID, c.Transport)
	}

	return nil
}

// clone returns a deep copy so callers can't mutate shared state.
func (c *Config) clone() *Config {
	out := *c
	if c.Args != nil {
		out.Args = append([]string(nil), c.Args...)
	}
	if c.Env != nil {
		out.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			out.Env[k] = v
		}
	}
	if c.Headers != nil {
		out.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

// callTimeout returns the per-call timeout, defaulted.
func (c *Config) callTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// ToolDescriptor is one aggregated operation, tagged with its owning
// provider for dispatch.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	ProviderID  string          `json:"providerId"`
}

// Status reports one configured provider's runtime state.
type Status struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Transport  string `json:"transport"`
	Enabled    bool   `json:"enabled"`
	Connected  bool   `json:"connected"`
	Operations int    `json:"operations"`
}
