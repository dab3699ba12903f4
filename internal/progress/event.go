package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage names a milestone of a scrape pass.
type Stage string

// Pass stages, in the order a pass emits them.
const (
	StagePassStart       Stage = "PASS_START"
	StageSiteDone        Stage = "SITE_DONE"
	StageSiteError       Stage = "SITE_ERROR"
	StageRestaurantWrite Stage = "RESTAURANT_WRITE"
	StagePassDone        Stage = "PASS_DONE"
)

// Outcome labels for restaurant writes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Event is one milestone of a pass.
type Event struct {
	PassID uuid.UUID
	TS     time.Time
	Stage  Stage
	// Trigger is set on PASS_START and PASS_DONE (cron, manual, once).
	Trigger string
	// Site is the "country/city/site" key for site and restaurant events.
	Site       string
	Restaurant string
	// Outcome is the final pass state on PASS_DONE and ok/error on
	// RESTAURANT_WRITE.
	Outcome string
	// Count is the number of results a site produced.
	Count int
	Dur   time.Duration
	// Note carries short error text.
	Note string
}

// Validate rejects events sinks could not attribute.
func (e Event) Validate() error {
	if e.PassID == uuid.Nil {
		return errors.New("pass id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StagePassStart:
	case StageSiteDone, StageSiteError:
		if e.Site == "" {
			return fmt.Errorf("%s requires site", e.Stage)
		}
	case StageRestaurantWrite:
		if e.Site == "" || e.Restaurant == "" {
			return errors.New("restaurant write requires site and restaurant")
		}
		if e.Outcome != OutcomeOK && e.Outcome != OutcomeError {
			return fmt.Errorf("restaurant write outcome %q", e.Outcome)
		}
	case StagePassDone:
		if e.Outcome == "" {
			return errors.New("pass done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
