// Package riskscore ranks disputes for the arbitration queue.
//
// Score is pure and deterministic: identical inputs always produce the same
// priority and risk score, and every factor is monotone (a higher trade
// value, lower trust, missing verification or more prior disputes never
// lowers the result).
package riskscore

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Priority buckets the risk score for queue display.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Rank orders priorities, LOW < MEDIUM < HIGH < URGENT.
func (p Priority) Rank() int {
	switch p {
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 0
	}
}

// MaxScore is the top of the risk scale.
const MaxScore = 10

// Party is the reputation snapshot of one side of a dispute.
type Party struct {
	TrustScore    float64 `json:"trustScore"` // 0-100
	Verified      bool    `json:"verified"`
	PriorDisputes int     `json:"priorDisputes"`
}

// Input is everything the scorer looks at.
type Input struct {
	TradeValue  decimal.Decimal
	Currency    string
	Category    string
	Complainant Party
	Respondent  Party
}

// Result is the scorer output. Factors holds each normalized (0-1)
// contribution before weighting, for audit and UI explanations.
type Result struct {
	Priority  Priority           `json:"priority"`
	RiskScore int                `json:"riskScore"`
	Factors   map[string]float64 `json:"factors"`
}

// ValueTier maps trade values at or above Min to a normalized factor.
type ValueTier struct {
	Min    decimal.Decimal
	Factor float64
}

// Weights controls how much each factor contributes. They should sum to 1.
type Weights struct {
	Value        float64
	Trust        float64
	Verification float64
	History      float64
	Category     float64
}

// DefaultWeights favor trade value and category.
var DefaultWeights = Weights{
	Value:        0.30,
	Trust:        0.25,
	Verification: 0.10,
	History:      0.15,
	Category:     0.20,
}

// DefaultCategoryWeights rank fraud above payment problems above
// communication friction.
var DefaultCategoryWeights = map[string]float64{
	"PAYMENT_FRAUD":        1.0,
	"ASSET_NOT_RELEASED":   0.7,
	"PAYMENT_NOT_RECEIVED": 0.6,
	"PAYMENT_ISSUE":        0.5,
	"WRONG_AMOUNT":         0.4,
	"OTHER":                0.3,
	"COMMUNICATION":        0.1,
}

// DefaultValueTiers are in units of the trade's fiat currency.
var DefaultValueTiers = []ValueTier{
	{Min: decimal.Zero, Factor: 0.1},
	{Min: decimal.NewFromInt(100), Factor: 0.3},
	{Min: decimal.NewFromInt(1000), Factor: 0.6},
	{Min: decimal.NewFromInt(10000), Factor: 0.8},
	{Min: decimal.NewFromInt(50000), Factor: 1.0},
}

// priorDisputeSaturation is the combined prior-dispute count at which the
// history factor maxes out.
const priorDisputeSaturation = 10

// Scorer computes dispute priority.
type Scorer struct {
	weights         Weights
	categoryWeights map[string]float64
	valueTiers      []ValueTier
	rates           map[string]decimal.Decimal
}

// NewScorer creates a scorer with default weights and tiers.
func NewScorer() *Scorer {
	return &Scorer{
		weights:         DefaultWeights,
		categoryWeights: DefaultCategoryWeights,
		valueTiers:      DefaultValueTiers,
	}
}

// WithRates normalizes trade values into the tier currency before tiering:
// value * rates[currency]. Currencies without a rate are used as is.
func (s *Scorer) WithRates(rates map[string]decimal.Decimal) *Scorer {
	s.rates = rates
	return s
}

// WithValueTiers replaces the value tiers. Tiers are sorted by Min.
func (s *Scorer) WithValueTiers(tiers []ValueTier) *Scorer {
	sorted := append([]ValueTier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min.LessThan(sorted[j].Min) })
	s.valueTiers = sorted
	return s
}

// Score computes priority and risk score for a dispute.
func (s *Scorer) Score(in Input) Result {
	factors := map[string]float64{
		"value":        s.valueFactor(in.TradeValue, in.Currency),
		"trust":        trustFactor(in.Complainant.TrustScore, in.Respondent.TrustScore),
		"verification": verificationFactor(in.Complainant.Verified, in.Respondent.Verified),
		"history":      historyFactor(in.Complainant.PriorDisputes, in.Respondent.PriorDisputes),
		"category":     s.categoryFactor(in.Category),
	}

	w := s.weights
	raw := w.Value*factors["value"] +
		w.Trust*factors["trust"] +
		w.Verification*factors["verification"] +
		w.History*factors["history"] +
		w.Category*factors["category"]

	score := int(math.Round(raw * MaxScore))
	score = min(max(score, 0), MaxScore)

	return Result{
		Priority:  PriorityFor(score),
		RiskScore: score,
		Factors:   factors,
	}
}

// PriorityFor buckets a risk score.
func PriorityFor(score int) Priority {
	switch {
	case score >= 8:
		return PriorityUrgent
	case score >= 6:
		return PriorityHigh
	case score >= 3:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

func (s *Scorer) valueFactor(value decimal.Decimal, currency string) float64 {
	if rate, ok := s.rates[currency]; ok {
		value = value.Mul(rate)
	}
	factor := 0.0
	for _, tier := range s.valueTiers {
		if value.GreaterThanOrEqual(tier.Min) {
			factor = tier.Factor
		}
	}
	return factor
}

func (s *Scorer) categoryFactor(category string) float64 {
	if w, ok := s.categoryWeights[category]; ok {
		return w
	}
	return s.categoryWeights["OTHER"]
}

// trustFactor is the mean distrust of both parties.
func trustFactor(complainant, respondent float64) float64 {
	return ((100 - clampTrust(complainant)) + (100 - clampTrust(respondent))) / 200
}

func verificationFactor(complainant, respondent bool) float64 {
	unverified := 0
	if !complainant {
		unverified++
	}
	if !respondent {
		unverified++
	}
	return float64(unverified) / 2
}

func historyFactor(complainant, respondent int) float64 {
	total := max(complainant, 0) + max(respondent, 0)
	return math.Min(1, float64(total)/priorDisputeSaturation)
}

func clampTrust(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}
