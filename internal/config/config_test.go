package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Economics.ProtocolFeeRate != 0.05 || cfg.Economics.VerifierRate != 0.10 {
		t.Fatalf("unexpected rates: %+v", cfg.Economics)
	}
	if cfg.BiddingWindow() != 10*time.Minute {
		t.Fatalf("unexpected bidding window %v", cfg.BiddingWindow())
	}
	if cfg.Assignment.HistoryWindow != 10 {
		t.Fatalf("unexpected history window %d", cfg.Assignment.HistoryWindow)
	}
}

func TestYAMLOverridesKeepDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("economics:\n  protocol_fee_rate: 0.02\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Economics.ProtocolFeeRate != 0.02 {
		t.Fatalf("override not applied: %v", cfg.Economics.ProtocolFeeRate)
	}
	if cfg.Economics.VerifierRate != 0.10 || cfg.Economics.ProtocolAccount != "protocol" {
		t.Fatalf("defaults lost: %+v", cfg.Economics)
	}
}

func TestTOML(t *testing.T) {
	cfg, err := FromTOML([]byte("[bidding]\nwindow = \"30s\"\n[assignment]\nmonopoly_threshold = 5\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BiddingWindow() != 30*time.Second || cfg.Assignment.MonopolyThreshold != 5 {
		t.Fatalf("toml not applied: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"economics:\n  protocol_fee_rate: 0.6\n  verifier_rate: 0.5\n",
		"economics:\n  protocol_fee_rate: -1\n",
		"bidding:\n  window: soon\n",
		"assignment:\n  history_window: 0\n",
	}
	for _, c := range cases {
		if _, err := FromYAML([]byte(c)); err == nil {
			t.Fatalf("expected validation error for %q", c)
		}
	}
}

func TestLoadFallsBackToDefault(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Economics.MaxRevisions != 3 {
		t.Fatalf("expected defaults, got %+v", cfg.Economics)
	}
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missionline.yml")
	if err := os.WriteFile(path, []byte(GenerateDefault()), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := Watch(ctx, path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("economics:\n  protocol_fee_rate: 0.01\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// A truncate and a write may arrive as separate events.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-ch:
			if cfg.Economics.ProtocolFeeRate == 0.01 {
				return
			}
		case <-deadline:
			t.Fatalf("no reload observed")
		}
	}
}
