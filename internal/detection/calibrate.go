package detection

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
)

// Calibrator maps a raw model score to a calibrated probability in [0,1].
type Calibrator interface {
	CalibratedConfidence(raw float64) float64
}

// Identity returns the raw score clamped to [0,1].
type Identity struct{}

func (Identity) CalibratedConfidence(raw float64) float64 { return clamp01(raw) }

// Point is one (raw, calibrated) knot of a Piecewise calibrator.
type Point struct {
	Raw        float64 `yaml:"raw" json:"raw"`
	Calibrated float64 `yaml:"calibrated" json:"calibrated"`
}

// Piecewise interpolates linearly between knots. Scores below the first knot
// or above the last take the nearest knot's value.
type Piecewise struct {
	points []Point
}

// NewPiecewise validates knots: at least two, distinct raw values, and
// calibrated values that never decrease as raw increases.
func NewPiecewise(points []Point) (*Piecewise, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("calibration: at least 2 points required, got %d", len(points))
	}
	ps := append([]Point(nil), points...)
	sort.Slice(ps, func(i, j int) bool { return ps[i].Raw < ps[j].Raw })
	for i := 1; i < len(ps); i++ {
		if ps[i].Raw == ps[i-1].Raw {
			return nil, fmt.Errorf("calibration: duplicate raw value %v", ps[i].Raw)
		}
		if ps[i].Calibrated < ps[i-1].Calibrated {
			return nil, fmt.Errorf("calibration: calibrated values must not decrease (at raw %v)", ps[i].Raw)
		}
	}
	return &Piecewise{points: ps}, nil
}

func (p *Piecewise) CalibratedConfidence(raw float64) float64 {
	if math.IsNaN(raw) {
		return 0
	}
	ps := p.points
	if raw <= ps[0].Raw {
		return clamp01(ps[0].Calibrated)
	}
	last := ps[len(ps)-1]
	if raw >= last.Raw {
		return clamp01(last.Calibrated)
	}
	i := sort.Search(len(ps), func(i int) bool { return ps[i].Raw >= raw })
	lo, hi := ps[i-1], ps[i]
	frac := (raw - lo.Raw) / (hi.Raw - lo.Raw)
	return clamp01(lo.Calibrated + frac*(hi.Calibrated-lo.Calibrated))
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Swappable delegates to a calibrator that can be replaced while pipelines
// are running, e.g. on config reload.
type Swappable struct {
	cur atomic.Value // holds calibratorBox
}

type calibratorBox struct{ c Calibrator }

// NewSwappable creates a Swappable starting with c (nil means Identity).
func NewSwappable(c Calibrator) *Swappable {
	s := &Swappable{}
	s.Store(c)
	return s
}

// Store replaces the active calibrator. nil means Identity.
func (s *Swappable) Store(c Calibrator) {
	if c == nil {
		c = Identity{}
	}
	s.cur.Store(calibratorBox{c})
}

func (s *Swappable) CalibratedConfidence(raw float64) float64 {
	return s.cur.Load().(calibratorBox).c.CalibratedConfidence(raw)
}
