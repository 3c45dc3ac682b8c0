package scoring

import (
	"math"
	"time"

	"github.com/fentz26/taskpilot/internal/models"
)

// HighRiskThreshold is the confidence below which a task counts as high risk.
const HighRiskThreshold = 40.0

// riskyDependencyThreshold marks an incomplete dependency as itself at risk.
const riskyDependencyThreshold = 50.0

// DependencySnapshot is the resolved state of one dependency at scoring time.
type DependencySnapshot struct {
	ID              string
	Status          models.TaskStatus
	ConfidenceScore float64
}

// Incomplete reports whether the dependency still blocks.
func (d DependencySnapshot) Incomplete() bool {
	return d.Status != models.TaskStatusCompleted
}

// ComputeConfidenceScore estimates how likely task is to finish on time.
//
// Each incomplete dependency with confidence below 50 costs an extra 10
// points on top of the capped count penalty; the two stack without a cap.
func ComputeConfidenceScore(task *models.Task, deps []DependencySnapshot, now time.Time) float64 {
	score := MaxScore

	if task.DueDate != nil {
		score -= timePenalty(hoursUntil(*task.DueDate, now))
	}

	incomplete := 0
	for _, d := range deps {
		if !d.Incomplete() {
			continue
		}
		incomplete++
		if d.ConfidenceScore < riskyDependencyThreshold {
			score -= 10
		}
	}
	score -= math.Min(float64(incomplete)*10, 30)

	switch task.Priority {
	case models.PriorityCritical:
		score -= 10
	case models.PriorityHigh:
		score -= 5
	}

	if task.Status == models.TaskStatusPending && task.DueDate != nil {
		highStakes := task.Priority == models.PriorityHigh || task.Priority == models.PriorityCritical
		if highStakes && wholeDays(task.DueDate.Sub(now)) < 2 {
			score -= 15
		}
	}

	return clamp(score)
}

func timePenalty(hours float64) float64 {
	switch {
	case hours < 0:
		return 40
	case hours < 8:
		return 30
	case hours < 24:
		return 20
	case hours < 48:
		return 10
	}
	return 0
}

// ConfidenceChanged reports whether a recomputed confidence score differs
// enough from the stored one to be persisted.
func ConfidenceChanged(old, updated float64) bool {
	return math.Abs(updated-old) > 2
}

// IsHighRisk reports whether score is under HighRiskThreshold.
func IsHighRisk(score float64) bool {
	return score < HighRiskThreshold
}
