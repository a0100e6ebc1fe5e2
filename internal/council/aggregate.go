package council

import (
	"sort"

	"github.com/straja-ai/triage/internal/triage"
)

// DefaultConfidenceThreshold is the mean confidence above which a panel
// escalates without a HIGH majority.
const DefaultConfidenceThreshold = 0.85

// Outcome is the result of aggregating a vote set.
type Outcome struct {
	Urgency    triage.Urgency
	Confidence float64
	Rule       triage.Rule
}

// Aggregate applies the escalation rule to the surviving votes:
//
//  1. more than half of the votes HIGH: HIGH by majority
//  2. mean confidence above threshold: HIGH by confidence threshold
//  3. otherwise the plurality urgency, ties resolved toward the more severe level
//
// The final confidence is always the mean confidence. The result depends only
// on the votes and the threshold. Aggregate returns false for an empty vote set.
func Aggregate(votes []triage.Vote, threshold float64) (Outcome, bool) {
	n := len(votes)
	if n == 0 {
		return Outcome{}, false
	}
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}

	counts := map[triage.Urgency]int{}
	var sum float64
	for _, v := range votes {
		counts[v.Urgency]++
		sum += triage.ClampConfidence(v.Confidence)
	}
	mean := sum / float64(n)

	out := Outcome{Confidence: mean}
	switch {
	case 2*counts[triage.UrgencyHigh] > n:
		out.Urgency, out.Rule = triage.UrgencyHigh, triage.RuleMajority
	case mean > threshold:
		out.Urgency, out.Rule = triage.UrgencyHigh, triage.RuleConfidence
	default:
		out.Urgency, out.Rule = plurality(counts), triage.RulePlurality
	}
	return out, true
}

func plurality(counts map[triage.Urgency]int) triage.Urgency {
	levels := []triage.Urgency{triage.UrgencyHigh, triage.UrgencyMedium, triage.UrgencyLow}
	sort.SliceStable(levels, func(i, j int) bool {
		if counts[levels[i]] != counts[levels[j]] {
			return counts[levels[i]] > counts[levels[j]]
		}
		return levels[i].Severity() > levels[j].Severity()
	})
	return levels[0]
}

// Utterance picks the text spoken to the patient: the advice of the most
// confident assessor that agreed with the outcome, or a fixed line.
func Utterance(o Outcome, votes []triage.Vote) string {
	best := -1.0
	var text string
	for _, v := range votes {
		if v.Urgency == o.Urgency && v.Advice != "" && v.Confidence > best {
			best, text = v.Confidence, v.Advice
		}
	}
	if text != "" {
		return text
	}
	if o.Urgency == triage.UrgencyHigh {
		return triage.EmergencyUtterance
	}
	return triage.DowngradedUtterance
}
