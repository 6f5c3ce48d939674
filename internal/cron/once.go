// Package cron provides robfig/cron schedules for posts that fire exactly once.
package cron

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Once is a cron.Schedule that activates a single time at a fixed instant.
// After that instant it reports the zero time, which robfig/cron treats as
// "never run again".
type Once struct {
	at time.Time
}

var _ cron.Schedule = Once{}

// At returns a schedule firing once at t (normalized to UTC).
func At(t time.Time) Once {
	return Once{at: t.UTC()}
}

func (o Once) Next(now time.Time) time.Time {
	if now.Before(o.at) {
		return o.at
	}
	return time.Time{}
}
