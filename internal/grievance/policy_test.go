package grievance

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPolicyWindows(t *testing.T) {
	p := DefaultPolicy()
	cases := map[Priority]time.Duration{
		PriorityUrgent: 24 * time.Hour,
		PriorityHigh:   72 * time.Hour,
		PriorityMedium: 168 * time.Hour,
		PriorityLow:    336 * time.Hour,
	}
	for pr, want := range cases {
		if got := p.WindowFor(pr); got != want {
			t.Fatalf("%s: want %v, got %v", pr, want, got)
		}
	}
}

func TestUnknownPriorityGetsMediumWindow(t *testing.T) {
	p := DefaultPolicy()
	if got := p.WindowFor(Priority("critical")); got != 168*time.Hour {
		t.Fatalf("unexpected window: %v", got)
	}
	if got := p.WindowFor(""); got != 168*time.Hour {
		t.Fatalf("unexpected window for empty priority: %v", got)
	}
}

func TestParsePolicyYAMLOverrides(t *testing.T) {
	p, err := ParsePolicyYAML([]byte("windows:\n  urgent: 4\n  low: 500\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.WindowFor(PriorityUrgent) != 4*time.Hour {
		t.Fatalf("urgent override not applied: %v", p.WindowFor(PriorityUrgent))
	}
	if p.WindowFor(PriorityLow) != 500*time.Hour {
		t.Fatalf("low override not applied: %v", p.WindowFor(PriorityLow))
	}
	if p.WindowFor(PriorityHigh) != 72*time.Hour {
		t.Fatalf("high should keep default: %v", p.WindowFor(PriorityHigh))
	}
}

func TestParsePolicyYAMLRejectsBadInput(t *testing.T) {
	cases := []string{
		"windows:\n  critical: 2\n",
		"windows:\n  high: 0\n",
		"windows:\n  high: -3\n",
		"windows:\n  low: 5124096\n",
	}
	for _, doc := range cases {
		if _, err := ParsePolicyYAML([]byte(doc)); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q: expected ErrInvalidInput, got %v", doc, err)
		}
	}
	if _, err := ParsePolicyYAML([]byte("windows: [1, 2")); err == nil {
		t.Fatal("expected YAML syntax error")
	}
	p, err := ParsePolicyYAML([]byte("windows:\n  low: 2562047\n"))
	if err != nil {
		t.Fatalf("largest window rejected: %v", err)
	}
	if p.WindowFor(PriorityLow) != 2562047*time.Hour {
		t.Fatalf("largest window = %v", p.WindowFor(PriorityLow))
	}
}

func TestWindowsReturnsCopy(t *testing.T) {
	p := DefaultPolicy()
	w := p.Windows()
	w[PriorityUrgent] = time.Minute
	if p.WindowFor(PriorityUrgent) != 24*time.Hour {
		t.Fatal("policy mutated through Windows()")
	}
}

func TestLoadPolicyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("windows:\n  urgent: 12\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicyFile(path)
	if err != nil {
		t.Fatalf("LoadPolicyFile: %v", err)
	}
	if got := p.WindowFor(PriorityUrgent); got != 12*time.Hour {
		t.Fatalf("urgent window = %v, want 12h", got)
	}
	if _, err := LoadPolicyFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
