// Package calendar answers "is the futures market open right now?" for
// CME micro index futures (MNQ and friends).
//
// The trading week runs Sunday 18:00 ET through Friday 17:00 ET, with a
// daily maintenance break Mon–Thu 17:00–18:00 ET. Holidays close the whole
// day; early-close dates close at 13:00 ET. All rules are evaluated in
// America/New_York, so DST transitions are handled by the tz database.
package calendar

import (
	"fmt"
	"time"

	"futures-gateway/internal/config"
)

// Status is the result of an open-market check.
type Status struct {
	Open   bool   `json:"open"`
	Reason string `json:"reason,omitempty"`
}

// Calendar is a pure function of (now, holiday set, early-close set).
// Consumers are stateless; one instance serves all accounts.
type Calendar struct {
	loc         *time.Location
	holidays    map[string]struct{}
	earlyCloses map[string]struct{}
}

// New builds a calendar from configured holiday and early-close dates
// (YYYY-MM-DD).
func New(cfg config.CalendarConfig) (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load tz: %w", err)
	}
	c := &Calendar{
		loc:         loc,
		holidays:    make(map[string]struct{}, len(cfg.Holidays)),
		earlyCloses: make(map[string]struct{}, len(cfg.EarlyCloses)),
	}
	for _, d := range cfg.Holidays {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return nil, fmt.Errorf("holiday %q: %w", d, err)
		}
		c.holidays[d] = struct{}{}
	}
	for _, d := range cfg.EarlyCloses {
		if _, err := time.ParseInLocation("2006-01-02", d, loc); err != nil {
			return nil, fmt.Errorf("early close %q: %w", d, err)
		}
		c.earlyCloses[d] = struct{}{}
	}
	return c, nil
}

// Location returns the exchange time zone (America/New_York).
func (c *Calendar) Location() *time.Location {
	return c.loc
}

// IsOpen reports whether the futures session is open at the given instant.
func (c *Calendar) IsOpen(now time.Time) Status {
	et := now.In(c.loc)
	date := et.Format("2006-01-02")

	if _, ok := c.holidays[date]; ok {
		return Status{Open: false, Reason: "holiday"}
	}
	if _, ok := c.earlyCloses[date]; ok && et.Hour() >= 13 {
		return Status{Open: false, Reason: "early close (after 13:00 ET)"}
	}

	switch et.Weekday() {
	case time.Saturday:
		return Status{Open: false, Reason: "weekend"}
	case time.Sunday:
		if et.Hour() < 18 {
			return Status{Open: false, Reason: "weekend (opens Sunday 18:00 ET)"}
		}
		return Status{Open: true}
	case time.Friday:
		if et.Hour() >= 17 {
			return Status{Open: false, Reason: "closed for the week (after Friday 17:00 ET)"}
		}
		return Status{Open: true}
	default: // Mon–Thu
		if et.Hour() == 17 {
			return Status{Open: false, Reason: "daily maintenance break (17:00-18:00 ET)"}
		}
		return Status{Open: true}
	}
}

// TimeUntilOpen returns how long until the next session open, or zero if
// the market is already open. The horizon is small (at most a long holiday
// weekend), so a minute-granularity forward scan is simpler and safer than
// boundary arithmetic across DST transitions.
func (c *Calendar) TimeUntilOpen(now time.Time) time.Duration {
	if c.IsOpen(now).Open {
		return 0
	}
	t := now.Truncate(time.Minute)
	for limit := t.Add(14 * 24 * time.Hour); t.Before(limit); t = t.Add(time.Minute) {
		if c.IsOpen(t).Open {
			d := t.Sub(now)
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}
