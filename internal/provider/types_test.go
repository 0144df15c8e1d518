package provider

import "testing"

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid subprocess",
			config: Config{ID: "a", Transport: TransportSubprocess, Command: "tool"},
		},
		{
			name:    "subprocess missing command",
			config:  Config{ID: "a", Transport: TransportSubprocess},
			wantErr: true,
		},
		{
			name:   "valid streaming-http",
			config: Config{ID: "a", Transport: TransportStreamingHTTP, URL: "https://example.com/rpc"},
		},
		{
			name:   "valid event-stream",
			config: Config{ID: "a", Transport: TransportEventStream, URL: "http://127.0.0.1:9000"},
		},
		{
			name:    "http missing url",
			config:  Config{ID: "a", Transport: TransportStreamingHTTP},
			wantErr: true,
		},
		{
			name:    "http bad scheme",
			config:  Config{ID: "a", Transport: TransportStreamingHTTP, URL: "ftp://example.com"},
			wantErr: true,
		},
		{
			name:    "http no host",
			config:  Config{ID: "a", Transport: TransportStreamingHTTP, URL: "http://"},
			wantErr: true,
		},
		{
			name:   "placeholder url passes shape check until expansion",
			config: Config{ID: "a", Transport: TransportStreamingHTTP, URL: "${SVC_URL}"},
		},
		{
			name:    "missing id",
			config:  Config{Transport: TransportSubprocess, Command: "tool"},
			wantErr: true,
		},
		{
			name:    "unknown transport",
			config:  Config{ID: "a", Transport: "carrier-pigeon"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestConfigClone(t *testing.T) {
	cfg := &Config{
		ID:      "a",
		Args:    []string{"--x"},
		Env:     map[string]string{"K": "v"},
		Headers: map[string]string{"H": "v"},
	}

	copied := cfg.clone()
	copied.Args[0] = "--y"
	copied.Env["K"] = "changed"
	copied.Headers["H"] = "changed"

	if cfg.Args[0] != "--x" || cfg.Env["K"] != "v" || cfg.Headers["H"] != "v" {
		t.Error("clone shares state with the original")
	}
}
