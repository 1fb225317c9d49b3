// Package system provides a real clock implementation.
package system

import (
	"fmt"
	"time"
	_ "time/tzdata" // zone database for hosts without one
)

// Clock implements crawler.Clock using time.Now in a fixed zone.
type Clock struct {
	loc *time.Location
}

// New creates a UTC clock.
func New() *Clock {
	return &Clock{loc: time.UTC}
}

// NewInZone creates a clock reporting wall time in the named IANA zone, so
// relative dates such as "vandaag" follow the local calendar day.
func NewInZone(name string) (*Clock, error) {
	if name == "" {
		return New(), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", name, err)
	}
	return &Clock{loc: loc}, nil
}

// Now returns the current time.
func (c Clock) Now() time.Time {
	if c.loc == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.loc)
}
