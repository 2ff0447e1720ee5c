package main

import (
	"log/slog"
	"testing"

	"github.com/fmq-go/fmq/pkg/device"
	"github.com/fmq-go/fmq/pkg/plugin/control"
)

func TestFlagPropertiesOnlySetFlags(t *testing.T) {
	var opts Options
	fs := newFlagSet(&opts)
	err := fs.Parse([]string{
		"-id", "sampler1",
		"-rate", "2.5",
		"-control", "interactive",
		"-channel-config", "name=data,type=push,method=bind,address=tcp://*:5555",
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	props, err := flagProperties(fs, &opts)
	if err != nil {
		t.Fatalf("flagProperties: %v", err)
	}

	want := map[string]any{
		device.KeyID:           "sampler1",
		device.KeyRate:         2.5,
		control.KeyControl:     "interactive",
		"chans.data.0.type":    "push",
		"chans.data.0.method":  "bind",
		"chans.data.0.address": "tcp://*:5555",
	}
	for k, v := range want {
		if props[k] != v {
			t.Errorf("props[%q] = %v, want %v", k, props[k], v)
		}
	}
	for _, k := range []string{device.KeyTransport, device.KeySession, keySeverity} {
		if _, ok := props[k]; ok {
			t.Errorf("unset flag %q produced a property", k)
		}
	}
}

func TestFlagPropertiesBadChannelConfig(t *testing.T) {
	var opts Options
	fs := newFlagSet(&opts)
	if err := fs.Parse([]string{"-channel-config", "type=push"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := flagProperties(fs, &opts); err == nil {
		t.Error("expected error for channel without name")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := parseLevel(tt.in)
		if err != nil {
			t.Errorf("parseLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := parseLevel("loud"); err == nil {
		t.Error("expected error for unknown severity")
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	if code := run([]string{"-role", "router"}); code != 2 {
		t.Errorf("unknown role: exit code = %d, want 2", code)
	}
	if code := run([]string{"-severity", "loud"}); code != 2 {
		t.Errorf("unknown severity: exit code = %d, want 2", code)
	}
	if code := run([]string{"-no-such-flag"}); code != 2 {
		t.Errorf("unknown flag: exit code = %d, want 2", code)
	}
}
