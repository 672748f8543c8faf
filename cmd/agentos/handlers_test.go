package main

import (
	"testing"

	"github.com/agentos-dev/agentos/internal/config"
)

func TestGatewayAddr(t *testing.T) {
	cfg := config.Default()
	cases := []struct {
		name     string
		listen   string
		override string
		want     string
	}{
		{"bare port", ":8420", "", "http://127.0.0.1:8420"},
		{"host and port", "10.0.0.5:9000", "", "http://10.0.0.5:9000"},
		{"override wins", ":8420", "https://agentos.internal", "https://agentos.internal"},
		{"override trailing slash", ":8420", "http://localhost:8420/", "http://localhost:8420"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg.Server.ListenAddr = tc.listen
			if got := gatewayAddr(cfg, tc.override); got != tc.want {
				t.Fatalf("gatewayAddr = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor("SANDBOX_UNAVAILABLE"); got != exitSandboxUnavailable {
		t.Fatalf("code = %d", got)
	}
	if got := exitCodeFor("COMMAND_FAILED"); got != exitFailure {
		t.Fatalf("code = %d", got)
	}
}
