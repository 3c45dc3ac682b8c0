// Package scoring computes the derived priority and confidence scores of a task.
//
// Every function is pure: the evaluation instant is passed in as now, so the
// same inputs always produce the same score.
package scoring

import (
	"math"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
)

// Score bounds.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

const basePriorityScore = 50.0

var priorityWeights = map[models.Priority]float64{
	models.PriorityCritical: 25,
	models.PriorityHigh:     20,
	models.PriorityMedium:   10,
	models.PriorityLow:      5,
}

// unknown priority levels weigh the same as medium
const defaultPriorityWeight = 10.0

// ComputePriorityScore ranks how urgently task should be worked on.
// dependentCount is the number of tasks that depend on task.
func ComputePriorityScore(task *models.Task, dependentCount int, now time.Time) float64 {
	score := basePriorityScore

	if task.DueDate != nil {
		score += urgencyBonus(hoursUntil(*task.DueDate, now))
	}

	if w, ok := priorityWeights[task.Priority]; ok {
		score += w
	} else {
		score += defaultPriorityWeight
	}

	if dependentCount > 0 {
		score += math.Min(float64(dependentCount)*5, 15)
	}

	if !task.CreatedAt.IsZero() {
		// A created_at in the future, from clock skew, adds nothing rather
		// than lowering the score.
		age := wholeDays(now.Sub(task.CreatedAt))
		if age > 0 {
			score += math.Min(float64(age), 10)
		}
	}

	return clamp(score)
}

func urgencyBonus(hours float64) float64 {
	switch {
	case hours < 0:
		return 30
	case hours < 24:
		return 25
	case hours < 48:
		return 20
	case hours < 72:
		return 15
	case hours < 168:
		return 10
	}
	return 0
}

// PriorityChanged reports whether a recomputed priority score differs enough
// from the stored one to be persisted.
func PriorityChanged(old, updated float64) bool {
	return math.Abs(updated-old) > 1
}

func hoursUntil(t, now time.Time) float64 {
	return t.Sub(now).Hours()
}

// wholeDays floors d to whole days, rounding toward negative infinity.
func wholeDays(d time.Duration) int {
	return int(math.Floor(d.Hours() / 24))
}

func clamp(score float64) float64 {
	return math.Max(MinScore, math.Min(MaxScore, score))
}
