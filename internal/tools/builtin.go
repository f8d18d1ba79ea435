package tools

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/event"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/knowledge"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/store"
)

// Deps are the collaborators the builtin tools read from.
type Deps struct {
	Store     store.Reader
	Catalog   *pattern.Catalog
	Predictor *pattern.Predictor
	// Knowledge is optional; search_knowledge is only registered when set.
	Knowledge           knowledge.Base
	KnowledgeCollection string
	// MaxRecords caps how many records a tool reads per collection.
	MaxRecords int
	Now        func() time.Time
}

type funcTool struct {
	name   string
	desc   string
	params []Param
	fn     func(ctx context.Context, params map[string]any) Result
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.desc }
func (t *funcTool) Params() []Param     { return t.params }
func (t *funcTool) Call(ctx context.Context, params map[string]any) Result {
	return t.fn(ctx, params)
}

var sellerParam = Param{Name: "sellerId", Type: "string", Description: "Seller to inspect.", Required: true}

func windowParam(def int) Param {
	return Param{Name: "windowHours", Type: "number", Description: "Look-back window in hours (default " + strconv.Itoa(def) + ")."}
}

// Builtin returns every builtin tool for deps. Tools that need an absent
// collaborator are left out.
func Builtin(deps Deps) []Tool {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.MaxRecords <= 0 {
		deps.MaxRecords = 5000
	}
	if deps.KnowledgeCollection == "" {
		deps.KnowledgeCollection = "detections"
	}
	b := &builtins{deps: deps}
	out := []Tool{
		&funcTool{
			name:   "seller_timeline",
			desc:   "Chronological lifecycle events for a seller across all domains.",
			params: []Param{sellerParam, {Name: "limit", Type: "integer", Description: "Most recent events to return (default 100)."}},
			fn:     b.sellerTimeline,
		},
		&funcTool{
			name:   "payout_velocity",
			desc:   "Count and total amount of payouts for a seller inside a window.",
			params: []Param{sellerParam, windowParam(24)},
			fn:     b.velocity(store.CollectionPayouts, 24),
		},
		&funcTool{
			name:   "listing_velocity",
			desc:   "Count of listings created by a seller inside a window.",
			params: []Param{sellerParam, windowParam(24)},
			fn:     b.velocity(store.CollectionListings, 24),
		},
		&funcTool{
			name:   "profile_change_velocity",
			desc:   "Count of profile changes (bank, email, phone, address) for a seller inside a window.",
			params: []Param{sellerParam, windowParam(72)},
			fn:     b.profileChanges,
		},
		&funcTool{
			name:   "return_ratio",
			desc:   "Returns divided by transactions for a seller inside a window.",
			params: []Param{sellerParam, windowParam(720)},
			fn:     b.returnRatio,
		},
		&funcTool{
			name: "match_sequences",
			desc: "Match the seller timeline against known multi-step attack patterns and predict the next step.",
			params: []Param{sellerParam,
				{Name: "minSteps", Type: "integer", Description: "Minimum completed steps to report (default 1)."}},
			fn: b.matchSequences,
		},
		&funcTool{
			name: "predict_next_step",
			desc: "Predict the next step of one attack pattern for a seller.",
			params: []Param{sellerParam,
				{Name: "patternId", Type: "string", Description: "Pattern to evaluate.", Required: true}},
			fn: b.predictNext,
		},
		&funcTool{
			name: "list_patterns",
			desc: "List the known attack patterns and their steps.",
			fn:   b.listPatterns,
		},
	}
	if deps.Knowledge != nil {
		out = append(out, &funcTool{
			name: "search_knowledge",
			desc: "Search past detections and analyst notes similar to a query.",
			params: []Param{
				{Name: "query", Type: "string", Description: "Free-text query.", Required: true},
				{Name: "sellerId", Type: "string", Description: "Restrict to one seller."},
				{Name: "topK", Type: "integer", Description: "Maximum hits (default 5)."},
			},
			fn: b.searchKnowledge,
		})
	}
	return out
}

// NewRegistryFor registers the builtin tools named in allow (all when empty).
func NewRegistryFor(deps Deps, allow []string) *Registry {
	allowed := make(map[string]bool, len(allow))
	for _, n := range allow {
		allowed[n] = true
	}
	reg := NewRegistry()
	for _, t := range Builtin(deps) {
		if len(allowed) == 0 || allowed[t.Name()] {
			reg.Register(t)
		}
	}
	return reg
}

type builtins struct {
	deps Deps
}

func (b *builtins) read(ctx context.Context, collection, sellerID string) ([]store.Record, error) {
	recs, err := store.ReadAll(ctx, b.deps.Store, collection, 500, b.deps.MaxRecords)
	if err != nil {
		return nil, err
	}
	return forSeller(recs, sellerID), nil
}

func (b *builtins) timeline(ctx context.Context, sellerID string) ([]event.Event, error) {
	recs, err := b.read(ctx, store.CollectionSellerEvents, sellerID)
	if err != nil {
		return nil, err
	}
	evs := make([]event.Event, 0, len(recs))
	for _, r := range recs {
		if ev, ok := toEvent(r); ok {
			evs = append(evs, ev)
		}
	}
	return pattern.SortTimeline(evs), nil
}

func (b *builtins) sellerTimeline(ctx context.Context, params map[string]any) Result {
	evs, err := b.timeline(ctx, stringParam(params, "sellerId"))
	if err != nil {
		return Fail("%s", err)
	}
	limit := int(numberParam(params, "limit", 100))
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return OK(map[string]any{"events": evs, "count": len(evs)})
}

func (b *builtins) velocity(collection string, defWindow int) func(context.Context, map[string]any) Result {
	return func(ctx context.Context, params map[string]any) Result {
		recs, err := b.read(ctx, collection, stringParam(params, "sellerId"))
		if err != nil {
			return Fail("%s", err)
		}
		hours := numberParam(params, "windowHours", float64(defWindow))
		if hours <= 0 {
			return Fail("windowHours must be positive")
		}
		in := since(recs, b.deps.Now().Add(-time.Duration(hours*float64(time.Hour))))
		total := 0.0
		for _, r := range in {
			total += recordAmount(r)
		}
		return OK(map[string]any{
			"count":       len(in),
			"totalAmount": round2(total),
			"perHour":     round2(float64(len(in)) / hours),
			"windowHours": hours,
		})
	}
}

func (b *builtins) profileChanges(ctx context.Context, params map[string]any) Result {
	recs, err := b.read(ctx, store.CollectionProfileChanges, stringParam(params, "sellerId"))
	if err != nil {
		return Fail("%s", err)
	}
	hours := numberParam(params, "windowHours", 72)
	if hours <= 0 {
		return Fail("windowHours must be positive")
	}
	in := since(recs, b.deps.Now().Add(-time.Duration(hours*float64(time.Hour))))
	fields := map[string]int{}
	for _, r := range in {
		if f := recordString(r, "field", "change_type", "changeType"); f != "" {
			fields[f]++
		}
	}
	return OK(map[string]any{"count": len(in), "fields": fields, "windowHours": hours})
}

func (b *builtins) returnRatio(ctx context.Context, params map[string]any) Result {
	seller := stringParam(params, "sellerId")
	hours := numberParam(params, "windowHours", 720)
	if hours <= 0 {
		return Fail("windowHours must be positive")
	}
	cutoff := b.deps.Now().Add(-time.Duration(hours * float64(time.Hour)))
	rets, err := b.read(ctx, store.CollectionReturns, seller)
	if err != nil {
		return Fail("%s", err)
	}
	txs, err := b.read(ctx, store.CollectionTransactions, seller)
	if err != nil {
		return Fail("%s", err)
	}
	nr, nt := len(since(rets, cutoff)), len(since(txs, cutoff))
	ratio := 0.0
	if nt > 0 {
		ratio = float64(nr) / float64(nt)
	}
	return OK(map[string]any{"returns": nr, "transactions": nt, "ratio": round2(ratio), "windowHours": hours})
}

type sequenceHit struct {
	pattern.TimelineMatch
	Prediction pattern.Prediction `json:"prediction"`
}

func (b *builtins) matchSequences(ctx context.Context, params map[string]any) Result {
	evs, err := b.timeline(ctx, stringParam(params, "sellerId"))
	if err != nil {
		return Fail("%s", err)
	}
	lib := b.deps.Catalog.Library()
	ranked := pattern.Rank(pattern.MatchAll(evs, lib), int(numberParam(params, "minSteps", 1)))
	hits := make([]sequenceHit, 0, len(ranked))
	for _, m := range ranked {
		p, _ := lib.Get(m.PatternID)
		hits = append(hits, sequenceHit{TimelineMatch: m, Prediction: b.deps.Predictor.Predict(ctx, p, m)})
	}
	return OK(map[string]any{"matches": hits, "timelineLength": len(evs)})
}

func (b *builtins) predictNext(ctx context.Context, params map[string]any) Result {
	id := stringParam(params, "patternId")
	lib := b.deps.Catalog.Library()
	p, ok := lib.Get(id)
	if !ok {
		return Fail("pattern %s not found", id)
	}
	evs, err := b.timeline(ctx, stringParam(params, "sellerId"))
	if err != nil {
		return Fail("%s", err)
	}
	m, err := pattern.MatchPattern(evs, lib, id)
	if errors.Is(err, pattern.ErrPatternNotFound) {
		return Fail("pattern %s not found", id)
	}
	return OK(map[string]any{"match": m, "prediction": b.deps.Predictor.Predict(ctx, p, m)})
}

func (b *builtins) listPatterns(context.Context, map[string]any) Result {
	return OK(map[string]any{"patterns": b.deps.Catalog.Library().Patterns()})
}

func (b *builtins) searchKnowledge(ctx context.Context, params map[string]any) Result {
	hits, err := b.deps.Knowledge.SearchKnowledge(ctx, b.deps.KnowledgeCollection,
		stringParam(params, "query"),
		knowledge.Filters{SellerID: stringParam(params, "sellerId")},
		int(numberParam(params, "topK", 5)))
	if err != nil {
		return Fail("%s", err)
	}
	return OK(map[string]any{"hits": hits})
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }

