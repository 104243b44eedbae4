package verification

const (
	baseScore        = 100
	DefaultThreshold = 50
)

// Rule is one independent deduction applied to a signal bundle.
type Rule struct {
	Name    string
	Applies func(Signals) bool
	Penalty int
}

// DefaultRules is the deduction table used unless a Scorer is given its own.
var DefaultRules = []Rule{
	{Name: "too_fast", Penalty: 30, Applies: func(s Signals) bool { return s.TimeSpentSeconds < 5 }},
	{Name: "too_slow", Penalty: 10, Applies: func(s Signals) bool { return s.TimeSpentSeconds > 300 }},
	{Name: "low_interaction", Penalty: 20, Applies: func(s Signals) bool { return s.InteractionCount < 3 }},
	{Name: "robotic_timing", Penalty: 40, Applies: roboticTiming},
}

// roboticTiming is true when every gap between consecutive timestamps is
// under 100ms. Fewer than two timestamps never count as robotic.
func roboticTiming(s Signals) bool {
	ts := s.InteractionTimestamps
	if len(ts) < 2 {
		return false
	}
	for i := 1; i < len(ts); i++ {
		if ts[i]-ts[i-1] >= 100 {
			return false
		}
	}
	return true
}

type Scorer struct {
	Rules []Rule
}

func NewScorer(rules []Rule) *Scorer {
	if rules == nil {
		rules = DefaultRules
	}
	return &Scorer{Rules: rules}
}

// Score folds the rules over s and returns a value in [0,100].
func (sc *Scorer) Score(s Signals) int {
	score, _ := sc.Breakdown(s)
	return score
}

// Breakdown returns the score and the names of the rules that fired.
func (sc *Scorer) Breakdown(s Signals) (int, []string) {
	score := baseScore
	var fired []string
	for _, r := range sc.Rules {
		if r.Applies(s) {
			score -= r.Penalty
			fired = append(fired, r.Name)
		}
	}
	if score < 0 {
		score = 0
	}
	if score > baseScore {
		score = baseScore
	}
	return score, fired
}
