package grievance

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var defaultWindows = map[Priority]time.Duration{
	PriorityUrgent: 24 * time.Hour,
	PriorityHigh:   72 * time.Hour,
	PriorityMedium: 168 * time.Hour,
	PriorityLow:    336 * time.Hour,
}

// Policy maps a priority to its allowed resolution window.
type Policy struct {
	windows map[Priority]time.Duration
}

// DefaultPolicy returns urgent 24h, high 72h, medium 168h, low 336h.
func DefaultPolicy() Policy {
	p, _ := NewPolicy(nil)
	return p
}

// NewPolicy starts from the default table and applies overrides.
func NewPolicy(overrides map[Priority]time.Duration) (Policy, error) {
	windows := make(map[Priority]time.Duration, len(defaultWindows))
	for k, v := range defaultWindows {
		windows[k] = v
	}
	for k, v := range overrides {
		if !k.Valid() {
			return Policy{}, fmt.Errorf("%w: unknown priority %q in policy", ErrInvalidInput, k)
		}
		if v <= 0 {
			return Policy{}, fmt.Errorf("%w: window for %s must be positive", ErrInvalidInput, k)
		}
		windows[k] = v
	}
	return Policy{windows: windows}, nil
}

// WindowFor returns the window for p. Unknown or missing priorities get the
// medium window so a sweep never stalls on bad data.
func (p Policy) WindowFor(pr Priority) time.Duration {
	if w, ok := p.windows[pr]; ok {
		return w
	}
	if w, ok := p.windows[PriorityMedium]; ok {
		return w
	}
	return defaultWindows[PriorityMedium]
}

// Windows returns a copy of the full table.
func (p Policy) Windows() map[Priority]time.Duration {
	out := make(map[Priority]time.Duration, len(defaultWindows))
	for _, pr := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent} {
		out[pr] = p.WindowFor(pr)
	}
	return out
}

// maxWindowHours is the largest window a time.Duration can hold.
const maxWindowHours = math.MaxInt64 / int64(time.Hour)

type policyFile struct {
	Windows map[string]int64 `yaml:"windows"`
}

// ParsePolicyYAML reads a policy document of the form
//
//	windows:
//	  urgent: 24
//	  high: 72
//
// with windows in hours. Omitted priorities keep their defaults.
func ParsePolicyYAML(data []byte) (Policy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	overrides := make(map[Priority]time.Duration, len(doc.Windows))
	for name, hours := range doc.Windows {
		pr, err := ParsePriority(name)
		if err != nil || name == "" {
			return Policy{}, fmt.Errorf("%w: unknown priority %q in policy", ErrInvalidInput, name)
		}
		if hours <= 0 || hours > maxWindowHours {
			return Policy{}, fmt.Errorf("%w: window for %s must be between 1 and %d hours", ErrInvalidInput, pr, maxWindowHours)
		}
		overrides[pr] = time.Duration(hours) * time.Hour
	}
	return NewPolicy(overrides)
}

// LoadPolicyFile reads a YAML policy from disk, see ParsePolicyYAML.
func LoadPolicyFile(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicyYAML(data)
}
