// Package reasoning defines the backend that turns a scan snapshot into
// structured findings, and ships two implementations: an OpenAI-compatible
// chat backend that drives the tool registry, and a deterministic rule
// backend built on the sequence matcher.
package reasoning

import (
	"context"
	"errors"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/tools"
)

// ErrUnparsable is returned when the backend answer is not a JSON object.
var ErrUnparsable = errors.New("reasoning: unparsable response")

// SellerContext is what a scan knows about one seller.
type SellerContext struct {
	SellerID    string                  `json:"seller_id"`
	NewEvents   []event.Event           `json:"new_events"`
	Matches     []pattern.TimelineMatch `json:"matches,omitempty"`
	Predictions []pattern.Prediction    `json:"predictions,omitempty"`
}

// ScanInput is the monitor-specific view of one buffer snapshot.
type ScanInput struct {
	MonitorID    string          `json:"monitor_id"`
	Name         string          `json:"name"`
	Role         string          `json:"role"`
	Capabilities []string        `json:"capabilities,omitempty"`
	CycleID      string          `json:"cycle_id"`
	EventCount   int             `json:"event_count"`
	Sellers      []SellerContext `json:"sellers"` // ordered by seller id
}

// Matches indexes sequence matches by seller.
func (in *ScanInput) Matches() map[string][]pattern.TimelineMatch {
	out := make(map[string][]pattern.TimelineMatch, len(in.Sellers))
	for _, s := range in.Sellers {
		if len(s.Matches) > 0 {
			out[s.SellerID] = s.Matches
		}
	}
	return out
}

// Backend reasons over a scan input, optionally calling tools, and returns
// the raw result. A nil result with a nil error means no findings.
type Backend interface {
	Reason(ctx context.Context, in *ScanInput, reg *tools.Registry) (detection.RawResult, error)
}
