package main

import (
	"context"
	"strings"
	"testing"

	"github.com/cruxlabs/crux/agent"
	"github.com/cruxlabs/crux/config"
	"github.com/cruxlabs/crux/llm"
)

func TestParseMode(t *testing.T) {
	cases := []struct {
		in      string
		want    agent.Mode
		wantErr bool
	}{
		{"auto", agent.ModeAuto, false},
		{"prompt", agent.ModePrompt, false},
		{"plan", agent.ModePlan, false},
		{"yolo", "", true},
		{"", "", true},
	}
	for _, tc := range cases {
		got, err := parseMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("parseMode(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("parseMode(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestValidateVerbosity(t *testing.T) {
	for _, ok := range []string{"none", "info", "all"} {
		if err := validateVerbosity(ok); err != nil {
			t.Errorf("validateVerbosity(%q) = %v, want nil", ok, err)
		}
	}
	if err := validateVerbosity("loud"); err == nil {
		t.Error("validateVerbosity(\"loud\") = nil, want error")
	}
}

func TestNewClientFallsBackToMock(t *testing.T) {
	for _, name := range []string{"", "mock", "something-else"} {
		client, err := newClient(context.Background(), &config.Config{LLMClient: name})
		if err != nil {
			t.Fatalf("newClient(%q) error: %v", name, err)
		}
		if _, ok := client.(*llm.MockLLMClient); !ok {
			t.Errorf("newClient(%q) = %T, want *llm.MockLLMClient", name, client)
		}
	}
}

func TestDefaultSessionName(t *testing.T) {
	t.Chdir(t.TempDir())
	name := defaultSessionName()
	if name == "" {
		t.Fatal("defaultSessionName returned an empty name")
	}
	if !strings.Contains(name, "_") {
		t.Errorf("expected dir_timestamp shape, got %q", name)
	}
}
