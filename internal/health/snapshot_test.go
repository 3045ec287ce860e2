package health_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
	"github.com/ledgersync/ledgersync/internal/health"
)

func TestCompute_CleanWindowScores100(t *testing.T) {
	snap := health.Compute(health.WindowStats{
		Inbox: inbox.WindowStats{Total: 100, Valid: 100},
		Queue: queue.Stats{
			ByStatus:   map[queue.Status]int{queue.StatusCompleted: 100},
			AvgLatency: 800 * time.Millisecond,
		},
		Window: time.Hour,
	}, health.DefaultThresholds())

	assert.Equal(t, 100, snap.Score)
	assert.Equal(t, health.BandHealthy, snap.Status)
	assert.Empty(t, snap.Issues)
	assert.InDelta(t, 1.0, snap.SuccessRate, 0.001)
}

func TestCompute_DuplicateStormAndDeadLettersGoCritical(t *testing.T) {
	snap := health.Compute(health.WindowStats{
		Inbox: inbox.WindowStats{Total: 100, Valid: 80, Duplicates: 20},
		Queue: queue.Stats{
			ByStatus: map[queue.Status]int{
				queue.StatusCompleted:  30,
				queue.StatusDeadLetter: 50,
				queue.StatusPending:    20,
			},
		},
		Window: time.Hour,
	}, health.DefaultThresholds())

	assert.Less(t, snap.Score, 50)
	assert.Equal(t, health.BandCritical, snap.Status)
}

func TestCompute_PenaltiesAreCapped(t *testing.T) {
	// every metric at its worst still cannot push the score below zero
	snap := health.Compute(health.WindowStats{
		Inbox: inbox.WindowStats{Total: 10, Duplicates: 10},
		Queue: queue.Stats{
			ByStatus:   map[queue.Status]int{queue.StatusDeadLetter: 1000},
			AvgLatency: time.Hour,
		},
		Window: time.Hour,
	}, health.DefaultThresholds())

	assert.GreaterOrEqual(t, snap.Score, 0)
	assert.Equal(t, health.BandCritical, snap.Status)
}

func TestCompute_EmptyWindowIsHealthy(t *testing.T) {
	snap := health.Compute(health.WindowStats{Window: time.Hour}, health.DefaultThresholds())

	assert.Equal(t, 100, snap.Score)
	assert.Equal(t, health.BandHealthy, snap.Status)
	assert.InDelta(t, 1.0, snap.SuccessRate, 0.001)
}

func TestCompute_IssueRules(t *testing.T) {
	th := health.DefaultThresholds()

	t.Run("duplicate rate above 10 percent warns", func(t *testing.T) {
		snap := health.Compute(health.WindowStats{
			Inbox:  inbox.WindowStats{Total: 100, Duplicates: 11},
			Window: time.Hour,
		}, th)
		require.Len(t, snap.Issues, 1)
		assert.Equal(t, health.SeverityWarning, snap.Issues[0].Severity)
		assert.Equal(t, "high_duplicate_rate", snap.Issues[0].Type)
	})

	t.Run("low success rate needs enough samples", func(t *testing.T) {
		small := health.Compute(health.WindowStats{
			Queue: queue.Stats{ByStatus: map[queue.Status]int{
				queue.StatusCompleted: 4,
				queue.StatusRetry:     5,
			}},
			Window: time.Hour,
		}, th)
		assert.Empty(t, issuesOfType(small, "low_success_rate"))

		big := health.Compute(health.WindowStats{
			Queue: queue.Stats{ByStatus: map[queue.Status]int{
				queue.StatusCompleted: 8,
				queue.StatusRetry:     12,
			}},
			Window: time.Hour,
		}, th)
		found := issuesOfType(big, "low_success_rate")
		require.Len(t, found, 1)
		assert.Equal(t, health.SeverityCritical, found[0].Severity)
	})

	t.Run("dead letter buildup is an error", func(t *testing.T) {
		snap := health.Compute(health.WindowStats{
			Queue: queue.Stats{ByStatus: map[queue.Status]int{
				queue.StatusCompleted:  100,
				queue.StatusDeadLetter: 6,
			}},
			Window: time.Hour,
		}, th)
		found := issuesOfType(snap, "dead_letter_buildup")
		require.Len(t, found, 1)
		assert.Equal(t, health.SeverityError, found[0].Severity)
	})

	t.Run("slow processing warns", func(t *testing.T) {
		snap := health.Compute(health.WindowStats{
			Queue: queue.Stats{
				ByStatus:   map[queue.Status]int{queue.StatusCompleted: 10},
				AvgLatency: 45 * time.Second,
			},
			Window: time.Hour,
		}, th)
		found := issuesOfType(snap, "slow_processing")
		require.Len(t, found, 1)
		assert.Equal(t, health.SeverityWarning, found[0].Severity)
	})

	t.Run("multiple issues fire independently", func(t *testing.T) {
		snap := health.Compute(health.WindowStats{
			Inbox: inbox.WindowStats{Total: 100, Duplicates: 20},
			Queue: queue.Stats{
				ByStatus: map[queue.Status]int{
					queue.StatusCompleted:  10,
					queue.StatusDeadLetter: 10,
				},
				AvgLatency: time.Minute,
			},
			Window: time.Hour,
		}, th)
		assert.Len(t, snap.Issues, 4)
	})
}

func issuesOfType(s *health.Snapshot, issueType string) []health.Issue {
	var out []health.Issue
	for _, issue := range s.Issues {
		if issue.Type == issueType {
			out = append(out, issue)
		}
	}
	return out
}
