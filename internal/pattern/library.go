// Package pattern holds the catalog of multi-step seller fraud campaigns and
// the matcher that measures how far a seller's timeline has progressed
// through each of them.
package pattern

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// ErrPatternNotFound is returned when a caller asks for an unknown pattern id.
var ErrPatternNotFound = errors.New("pattern not found")

// Step is one stage of a campaign.
type Step struct {
	Index      int                 `yaml:"-" json:"index"`
	Domain     string              `yaml:"domain" json:"domain"`
	EventTypes []string            `yaml:"event_types" json:"eligible_event_types"`
	eligible   map[string]struct{} // built by compile
}

// Accepts reports whether an event with the given domain/type satisfies the step.
func (s *Step) Accepts(domain, eventType string) bool {
	if !strings.EqualFold(s.Domain, domain) {
		return false
	}
	_, ok := s.eligible[strings.ToLower(eventType)]
	return ok
}

// SequencePattern is an ordered list of steps describing a known campaign.
type SequencePattern struct {
	ID          string `yaml:"id" json:"pattern_id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	Severity    string `yaml:"severity" json:"severity"`
	MaxSpanMs   int64  `yaml:"max_span_ms" json:"max_span_ms,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// TotalSteps returns the number of steps in the pattern.
func (p *SequencePattern) TotalSteps() int { return len(p.Steps) }

func (p *SequencePattern) compile() error {
	if p.ID == "" {
		return fmt.Errorf("pattern id is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pattern %s: at least one step is required", p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.Severity == "" {
		p.Severity = "HIGH"
	}
	p.Severity = strings.ToUpper(p.Severity)
	for i := range p.Steps {
		s := &p.Steps[i]
		s.Index = i
		if s.Domain == "" {
			return fmt.Errorf("pattern %s: steps[%d]: domain is required", p.ID, i)
		}
		if len(s.EventTypes) == 0 {
			return fmt.Errorf("pattern %s: steps[%d]: event_types must not be empty", p.ID, i)
		}
		s.eligible = make(map[string]struct{}, len(s.EventTypes))
		for _, t := range s.EventTypes {
			s.eligible[strings.ToLower(t)] = struct{}{}
		}
	}
	return nil
}

// Library is an immutable, validated set of patterns.
// Hot-reload builds a new Library and swaps it into a Catalog.
type Library struct {
	patterns []*SequencePattern // sorted by id
	byID     map[string]*SequencePattern
}

// NewLibrary validates patterns and builds a Library.
func NewLibrary(patterns []SequencePattern) (*Library, error) {
	lib := &Library{byID: make(map[string]*SequencePattern, len(patterns))}
	var errs []string
	for i := range patterns {
		p := patterns[i]
		p.Steps = append([]Step(nil), p.Steps...)
		if err := p.compile(); err != nil {
			errs = append(errs, fmt.Sprintf("patterns[%d]: %s", i, err))
			continue
		}
		if _, dup := lib.byID[p.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate pattern id %q", p.ID))
			continue
		}
		lib.byID[p.ID] = &p
		lib.patterns = append(lib.patterns, &p)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("pattern library errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	sort.Slice(lib.patterns, func(i, j int) bool { return lib.patterns[i].ID < lib.patterns[j].ID })
	return lib, nil
}

// Patterns returns all patterns ordered by id.
func (l *Library) Patterns() []*SequencePattern { return l.patterns }

// Get returns the pattern with the given id.
func (l *Library) Get(id string) (*SequencePattern, bool) {
	p, ok := l.byID[id]
	return p, ok
}

// Len returns the number of patterns.
func (l *Library) Len() int { return len(l.patterns) }

type libraryFile struct {
	Patterns []SequencePattern `yaml:"patterns"`
}

// Parse reads a YAML document with a top-level "patterns" list.
func Parse(data []byte) (*Library, error) {
	var f libraryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse patterns: %w", err)
	}
	return NewLibrary(f.Patterns)
}

// LoadFile reads a pattern file from disk.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns %s: %w", path, err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lib, nil
}

// Catalog hands out the current Library and lets the loader replace it.
type Catalog struct {
	lib atomic.Pointer[Library]
}

// NewCatalog creates a Catalog seeded with lib.
func NewCatalog(lib *Library) *Catalog {
	c := &Catalog{}
	c.lib.Store(lib)
	return c
}

// Library returns the current library.
func (c *Catalog) Library() *Library { return c.lib.Load() }

// Swap atomically replaces the library (used on hot-reload).
func (c *Catalog) Swap(lib *Library) { c.lib.Store(lib) }
