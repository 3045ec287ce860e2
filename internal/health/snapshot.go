package health

import (
	"fmt"
	"time"

	"github.com/ledgersync/ledgersync/internal/domain/entity"
	"github.com/ledgersync/ledgersync/internal/domain/inbox"
	"github.com/ledgersync/ledgersync/internal/domain/queue"
)

// Band classifies an overall health score.
type Band string

const (
	BandHealthy   Band = "healthy"
	BandDegraded  Band = "degraded"
	BandUnhealthy Band = "unhealthy"
	BandCritical  Band = "critical"
)

// Severity grades a detected issue.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue is one detected anomaly with a suggested remediation.
type Issue struct {
	Severity       Severity `json:"severity"`
	Type           string   `json:"type"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// WindowStats bundles the raw aggregates the score is derived from.
type WindowStats struct {
	Inbox  inbox.WindowStats
	Queue  queue.Stats
	Window time.Duration
}

// Thresholds tune issue detection and the latency penalty.
type Thresholds struct {
	DuplicateWarnRate   float64
	SuccessCriticalRate float64
	MinSamples          int
	DeadLetterErrorMax  int
	LatencyWarn         time.Duration
}

// DefaultThresholds returns the standard detection thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		DuplicateWarnRate:   0.10,
		SuccessCriticalRate: 0.90,
		MinSamples:          10,
		DeadLetterErrorMax:  5,
		LatencyWarn:         30 * time.Second,
	}
}

// Snapshot is the derived, non-persisted health aggregate.
type Snapshot struct {
	GeneratedAt     time.Time           `json:"generated_at"`
	Window          time.Duration       `json:"window"`
	InboxTotal      int                 `json:"inbox_total"`
	InboxInvalid    int                 `json:"inbox_invalid"`
	Duplicates      int                 `json:"duplicates"`
	DuplicateRate   float64             `json:"duplicate_rate"`
	QueuedTotal     int                 `json:"queued_total"`
	SuccessRate     float64             `json:"success_rate"`
	DeadLetterCount int                 `json:"dead_letter_count"`
	AvgLatency      time.Duration       `json:"avg_latency"`
	ByStatus        map[queue.Status]int `json:"by_status"`
	ByEntity        map[entity.Type]int `json:"by_entity"`
	OldestPending   *time.Time          `json:"oldest_pending,omitempty"`
	Score           int                 `json:"score"`
	Status          Band                `json:"status"`
	Issues          []Issue             `json:"issues"`
}

// Penalty caps. Each contribution to the score reduction is bounded so one
// runaway metric cannot mask the others.
const (
	duplicatePenaltyCap  = 30
	successPenaltyCap    = 40
	deadLetterPenaltyCap = 30
	latencyPenaltyCap    = 20
)

// Compute derives a health snapshot from window aggregates. It is a pure
// function of its inputs.
func Compute(stats WindowStats, th Thresholds) *Snapshot {
	s := &Snapshot{
		GeneratedAt:   time.Now().UTC(),
		Window:        stats.Window,
		InboxTotal:    stats.Inbox.Total,
		InboxInvalid:  stats.Inbox.Invalid,
		Duplicates:    stats.Inbox.Duplicates,
		ByStatus:      stats.Queue.ByStatus,
		ByEntity:      stats.Queue.ByEntity,
		OldestPending: stats.Queue.OldestPending,
		AvgLatency:    stats.Queue.AvgLatency,
		SuccessRate:   1.0,
	}

	for _, n := range stats.Queue.ByStatus {
		s.QueuedTotal += n
	}
	s.DeadLetterCount = stats.Queue.ByStatus[queue.StatusDeadLetter]

	if s.InboxTotal > 0 {
		s.DuplicateRate = float64(s.Duplicates) / float64(s.InboxTotal)
	}
	if s.QueuedTotal > 0 {
		s.SuccessRate = float64(stats.Queue.ByStatus[queue.StatusCompleted]) / float64(s.QueuedTotal)
	}

	score := 100.0
	score -= capped(s.DuplicateRate*150, duplicatePenaltyCap)
	if s.QueuedTotal > 0 {
		score -= capped((1-s.SuccessRate)*100, successPenaltyCap)
	}
	score -= capped(float64(s.DeadLetterCount), deadLetterPenaltyCap)
	if th.LatencyWarn > 0 && s.AvgLatency > th.LatencyWarn {
		score -= capped(10*float64(s.AvgLatency)/float64(th.LatencyWarn), latencyPenaltyCap)
	}
	if score < 0 {
		score = 0
	}
	s.Score = int(score)

	switch {
	case s.Score >= 90:
		s.Status = BandHealthy
	case s.Score >= 70:
		s.Status = BandDegraded
	case s.Score >= 50:
		s.Status = BandUnhealthy
	default:
		s.Status = BandCritical
	}

	s.Issues = detectIssues(s, th)
	return s
}

func detectIssues(s *Snapshot, th Thresholds) []Issue {
	var issues []Issue

	if s.InboxTotal > 0 && s.DuplicateRate > th.DuplicateWarnRate {
		issues = append(issues, Issue{
			Severity:       SeverityWarning,
			Type:           "high_duplicate_rate",
			Message:        fmt.Sprintf("%.1f%% of inbox events are duplicate deliveries", s.DuplicateRate*100),
			Recommendation: "check the remote webhook retry settings and purge old duplicates",
		})
	}

	if s.QueuedTotal >= th.MinSamples && s.SuccessRate < th.SuccessCriticalRate {
		issues = append(issues, Issue{
			Severity:       SeverityCritical,
			Type:           "low_success_rate",
			Message:        fmt.Sprintf("only %.1f%% of queued items completed", s.SuccessRate*100),
			Recommendation: "inspect recent dead-letter errors and the remote system status",
		})
	}

	if s.DeadLetterCount > th.DeadLetterErrorMax {
		issues = append(issues, Issue{
			Severity:       SeverityError,
			Type:           "dead_letter_buildup",
			Message:        fmt.Sprintf("%d items are dead-lettered", s.DeadLetterCount),
			Recommendation: "review last errors, then trigger a bulk dead-letter retry if transient",
		})
	}

	if th.LatencyWarn > 0 && s.AvgLatency > th.LatencyWarn {
		issues = append(issues, Issue{
			Severity:       SeverityWarning,
			Type:           "slow_processing",
			Message:        fmt.Sprintf("average processing latency is %s", s.AvgLatency.Round(time.Millisecond)),
			Recommendation: "check worker count, remote throttling and lock contention",
		})
	}

	return issues
}

func capped(v, cap float64) float64 {
	if v > cap {
		return cap
	}
	if v < 0 {
		return 0
	}
	return v
}
