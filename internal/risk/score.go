// Package risk scores customers for churn risk and runs the daily batch
// that snapshots those scores.
//
// Score is a pure function of a customer's rolling counters: identical
// input always yields an identical Result, so the batch can fan customers
// out across workers without coordination.
package risk

import (
	"fmt"
)

// Bucket is the coarse risk classification.
type Bucket string

const (
	BucketHealthy Bucket = "healthy"
	BucketWatch   Bucket = "watch"
	BucketAtRisk  Bucket = "at_risk"
)

// Bucket thresholds on the clamped score.
const (
	WatchThreshold  = 30
	AtRiskThreshold = 60
)

// Valid reports whether b is a known bucket.
func (b Bucket) Valid() bool {
	switch b {
	case BucketHealthy, BucketWatch, BucketAtRisk:
		return true
	}
	return false
}

// BucketFor maps a score to its bucket.
func BucketFor(score int) Bucket {
	switch {
	case score >= AtRiskThreshold:
		return BucketAtRisk
	case score >= WatchThreshold:
		return BucketWatch
	default:
		return BucketHealthy
	}
}

// Metrics are the rolling behavioural counters for one customer.
type Metrics struct {
	CancelAttempts7d     int  `json:"cancel_attempts_7d"`
	CancelAttempts30d    int  `json:"cancel_attempts_30d"`
	OffersDeclined30d    int  `json:"offers_declined_30d"`
	OffersAccepted30d    int  `json:"offers_accepted_30d"`
	SubscriptionCanceled bool `json:"subscription_canceled"`
	FeedbackSubmitted30d int  `json:"feedback_submitted_30d"`
}

// Validate rejects negative counters.
func (m Metrics) Validate() error {
	if m.CancelAttempts7d < 0 || m.CancelAttempts30d < 0 || m.OffersDeclined30d < 0 ||
		m.OffersAccepted30d < 0 || m.FeedbackSubmitted30d < 0 {
		return ErrInvalidMetrics
	}
	return nil
}

// Result is a scored customer. Factors lists the rules that fired in rule
// order; it is an audit trail and plays no part in the score.
type Result struct {
	Score   int      `json:"score"`
	Bucket  Bucket   `json:"bucket"`
	Factors []string `json:"factors"`
}

type rule struct {
	points int
	label  string
	fires  func(m Metrics) bool
}

// rules are independent point deltas. The order only fixes Factors.
var rules = []rule{
	{35, "cancel attempt in the last 7 days", func(m Metrics) bool { return m.CancelAttempts7d > 0 }},
	{40, "subscription canceled", func(m Metrics) bool { return m.SubscriptionCanceled }},
	{25, "declined a retention offer in the last 30 days", func(m Metrics) bool { return m.OffersDeclined30d > 0 }},
	{15, "more than 2 cancel attempts in the last 30 days", func(m Metrics) bool { return m.CancelAttempts30d > 2 }},
	{-25, "accepted a retention offer in the last 30 days", func(m Metrics) bool { return m.OffersAccepted30d > 0 }},
	{10, "submitted cancellation feedback in the last 30 days", func(m Metrics) bool {
		return m.FeedbackSubmitted30d > 0 && !m.SubscriptionCanceled && m.CancelAttempts7d == 0
	}},
}

// Score applies every rule to m, clamps the sum to [0,100] and buckets it.
func Score(m Metrics) Result {
	sum := 0
	factors := make([]string, 0, len(rules))
	for _, r := range rules {
		if !r.fires(m) {
			continue
		}
		sum += r.points
		factors = append(factors, fmt.Sprintf("%s (%+d)", r.label, r.points))
	}
	score := clamp(sum, 0, 100)
	return Result{Score: score, Bucket: BucketFor(score), Factors: factors}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
