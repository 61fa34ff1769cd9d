package scan

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScore_CleanPage(t *testing.T) {
	t.Parallel()

	require.Equal(t, 100, Score(nil))
	require.Equal(t, 100, Score([]Violation{}))
}

func TestScore_WeighsImpact(t *testing.T) {
	t.Parallel()

	violations := []Violation{
		{RuleID: "image-alt", Impact: ImpactCritical},
		{RuleID: "label", Impact: ImpactSerious},
		{RuleID: "heading-order", Impact: ImpactModerate},
		{RuleID: "region", Impact: ImpactMinor},
		{RuleID: "mystery-rule"},
	}
	// 100 - 15 - 10 - 5 - 2 - 3
	require.Equal(t, 65, Score(violations))
}

func TestScore_FloorsAtZero(t *testing.T) {
	t.Parallel()

	violations := make([]Violation, 20)
	for i := range violations {
		violations[i] = Violation{RuleID: "image-alt", Impact: ImpactCritical}
	}
	require.Equal(t, 0, Score(violations))
}

func TestHealth_Labels(t *testing.T) {
	t.Parallel()

	require.Equal(t, HealthHealthy, Health(100))
	require.Equal(t, HealthHealthy, Health(90))
	require.Equal(t, HealthFair, Health(89))
	require.Equal(t, HealthFair, Health(70))
	require.Equal(t, HealthPoor, Health(69))
	require.Equal(t, HealthPoor, Health(40))
	require.Equal(t, HealthCritical, Health(39))
	require.Equal(t, HealthCritical, Health(0))
}
