package scan

// HealthLabel is the qualitative grouping derived from a score.
type HealthLabel string

// Health labels reported alongside the numeric score.
const (
	HealthHealthy  HealthLabel = "healthy"
	HealthFair     HealthLabel = "fair"
	HealthPoor     HealthLabel = "poor"
	HealthCritical HealthLabel = "critical"
)

// Impact-weighted deductions applied per violation.
var impactDeductions = map[Impact]int{
	ImpactCritical: 15,
	ImpactSerious:  10,
	ImpactModerate: 5,
	ImpactMinor:    2,
}

const unknownImpactDeduction = 3

// Score derives a 0-100 accessibility score from a violation list. It is a
// pure function of the stored violations and is computed on read, never
// persisted, so the rule can change without migrating stored data.
func Score(violations []Violation) int {
	score := 100
	for _, v := range violations {
		d, ok := impactDeductions[v.Impact]
		if !ok {
			d = unknownImpactDeduction
		}
		score -= d
	}
	if score < 0 {
		return 0
	}
	return score
}

// Health maps a numeric score onto its qualitative label.
func Health(score int) HealthLabel {
	switch {
	case score >= 90:
		return HealthHealthy
	case score >= 70:
		return HealthFair
	case score >= 40:
		return HealthPoor
	default:
		return HealthCritical
	}
}
