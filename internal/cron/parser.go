// Package cron wraps robfig/cron parsing behind the small interface the
// trigger engine and the registry need: validation at registration time and
// next-fire computation at evaluation time.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule computes fire times for a parsed cron expression.
type Schedule interface {
	Next(after time.Time) time.Time
}

type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Parse returns a Schedule evaluated in the given timezone ("" means UTC).
func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Validate checks an expression and timezone without keeping the result.
// Used by the registry to reject malformed schedules at registration time.
func (p *Parser) Validate(expression string, timezone string) error {
	_, err := p.Parse(expression, timezone)
	return err
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}
