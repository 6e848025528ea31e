package classify

import (
	"context"
	"strings"
	"time"
)

const defaultTimeout = 8 * time.Second

// keyword hints map well-known merchant fragments to category fragments.
var hints = []struct {
	merchants []string
	category  []string
	score     float64
}{
	{[]string{"uber", "lyft", "didi", "opal", "myki"}, []string{"transport"}, 0.85},
	{[]string{"woolworth", "aldi", "coles", "iga", "costco"}, []string{"grocer", "food"}, 0.85},
	{[]string{"amazon", "ebay", "kmart", "target"}, []string{"shopping"}, 0.8},
	{[]string{"spotify", "netflix", "disney", "youtube"}, []string{"subscription", "entertainment"}, 0.8},
	{[]string{"shell", "bp ", "caltex", "ampol"}, []string{"fuel", "transport"}, 0.8},
	{[]string{"rent", "real estate"}, []string{"housing", "rent"}, 0.75},
}

// HeuristicClassifier is an offline keyword and token-overlap classifier.
type HeuristicClassifier struct {
	Timeout time.Duration
}

func NewHeuristicClassifier(timeout time.Duration) *HeuristicClassifier {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HeuristicClassifier{Timeout: timeout}
}

func (h *HeuristicClassifier) Classify(ctx context.Context, req Request) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	desc := strings.ToLower(strings.TrimSpace(req.Description + " " + req.MerchantName))
	var best Response
	for _, cat := range req.Categories {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}
		if s := keywordScore(desc, cat); s > best.Confidence {
			best = Response{Category: cat, Confidence: s}
		}
	}
	return best, nil
}

func keywordScore(desc, cat string) float64 {
	catLower := strings.ToLower(strings.TrimSpace(cat))
	if catLower == "" {
		return 0
	}
	if strings.Contains(desc, catLower) {
		return 0.9
	}
	best := 0.0
	for _, h := range hints {
		if !containsAny(desc, h.merchants) || !containsAny(catLower, h.category) {
			continue
		}
		if h.score > best {
			best = h.score
		}
	}
	if best > 0 {
		return best
	}
	return overlap(desc, catLower)
}

func containsAny(s string, parts []string) bool {
	for _, p := range parts {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// overlap is the Jaccard ratio of the two token sets.
func overlap(a, b string) float64 {
	at, bt := tokens(a), tokens(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}
	n := 0
	for t := range at {
		if _, ok := bt[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(at)+len(bt)-n)
}

func tokens(s string) map[string]struct{} {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_' || r == '/' || r == '*' || r == '&'
	})
	out := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		out[p] = struct{}{}
	}
	return out
}
