package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// State is where a pass is in its lifecycle.
type State string

// Pass states. A scheduler that has never run reports StateIdle.
const (
	StateIdle                State = "idle"
	StateRunning             State = "running"
	StateCompleted           State = "completed"
	StateCancelledByShutdown State = "cancelled_by_shutdown"
)

// Trigger records what started a pass.
type Trigger string

// Pass triggers.
const (
	TriggerCron   Trigger = "cron"
	TriggerManual Trigger = "manual"
	TriggerOnce   Trigger = "once"
)

// Failure kinds.
const (
	FailureScrape = "scrape"
	FailureStore  = "store"
)

// SiteFailure is one recorded error of a pass.
type SiteFailure struct {
	Site       string `json:"site"`
	Restaurant string `json:"restaurant,omitempty"`
	Kind       string `json:"kind"`
	Error      string `json:"error"`
}

// PassSummary is emitted when a pass ends.
type PassSummary struct {
	ID                 uuid.UUID     `json:"id"`
	Trigger            Trigger       `json:"trigger"`
	State              State         `json:"state"`
	StartedAt          time.Time     `json:"started_at"`
	FinishedAt         time.Time     `json:"finished_at"`
	Duration           time.Duration `json:"duration_ns"`
	SitesSucceeded     int           `json:"sites_succeeded"`
	SitesFailed        int           `json:"sites_failed"`
	RestaurantsWritten int           `json:"restaurants_written"`
	RestaurantsFailed  int           `json:"restaurants_failed"`
	Failures           []SiteFailure `json:"failures,omitempty"`
}

// HardFailure reports a pass that made no progress at all: every site it
// tried failed, or no restaurant write of the pass was persisted.
func (s PassSummary) HardFailure() bool {
	if s.SitesSucceeded == 0 && s.SitesFailed > 0 {
		return true
	}
	return s.RestaurantsWritten == 0 && s.RestaurantsFailed > 0
}
