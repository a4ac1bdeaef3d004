// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package timeline enumerates the temporal periods of a cube from its
// temporal schema. The generator is pure: the same schema and range always
// produce the same periods, so fan-out can be recomputed at any time.
package timeline

import (
	"fmt"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
)

// Unit is a temporal step unit.
type Unit string

const (
	UnitDay   Unit = "day"
	UnitMonth Unit = "month"
	UnitYear  Unit = "year"
)

// Cycle restarts period generation on a larger boundary (e.g. 16-day
// periods restarting every year).
type Cycle struct {
	Step int  `json:"step"`
	Unit Unit `json:"unit"`
}

// Schema is the temporal schema of a cube.
type Schema struct {
	Step  int    `json:"step"`
	Unit  Unit   `json:"unit"`
	Cycle *Cycle `json:"cycle,omitempty"`
}

// Period is one inclusive [Start, End] window of the timeline.
type Period struct {
	Start time.Time
	End   time.Time
}

// Key renders the period the way keys and item ids embed it.
func (p Period) Key() string {
	return p.StartDate() + "_" + p.EndDate()
}

// StartDate formats the period start as yyyy-mm-dd.
func (p Period) StartDate() string { return p.Start.Format(cube.DateLayout) }

// EndDate formats the period end as yyyy-mm-dd.
func (p Period) EndDate() string { return p.End.Format(cube.DateLayout) }

// Contains reports whether the date falls inside the period.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// Mount enumerates the ordered, non-overlapping periods tiling
// [start, end]. With a cycle, periods restart at each cycle boundary and the
// final period of a cycle is truncated to the boundary.
func Mount(s Schema, start, end time.Time) ([]Period, error) {
	if s.Step <= 0 {
		return nil, cube.NewInputError("timeline", fmt.Sprintf("step must be positive, got %d", s.Step))
	}
	switch s.Unit {
	case UnitDay, UnitMonth:
	default:
		return nil, cube.NewInputError("timeline", fmt.Sprintf("unsupported unit %q", s.Unit))
	}
	if end.Before(start) {
		return nil, cube.NewInputError("timeline", "end date before start date")
	}
	start = truncate(start)
	end = truncate(end)

	var periods []Period
	if s.Cycle == nil {
		periods = mountWindow(s, start, end)
	} else {
		if s.Cycle.Step <= 0 {
			return nil, cube.NewInputError("timeline", "cycle step must be positive")
		}
		origin, err := cycleOrigin(*s.Cycle, start)
		if err != nil {
			return nil, err
		}
		for i := 0; ; i++ {
			cycleStart := advance(origin, s.Cycle.Unit, i*s.Cycle.Step)
			if cycleStart.After(end) {
				break
			}
			cycleEnd := advance(origin, s.Cycle.Unit, (i+1)*s.Cycle.Step).AddDate(0, 0, -1)
			periods = append(periods, mountWindow(s, cycleStart, cycleEnd)...)
		}
	}

	// Clip to the requested range; boundary periods are clamped so the
	// result tiles [start, end] exactly.
	out := periods[:0]
	for _, p := range periods {
		if p.End.Before(start) || p.Start.After(end) {
			continue
		}
		if p.Start.Before(start) {
			p.Start = start
		}
		if p.End.After(end) {
			p.End = end
		}
		out = append(out, p)
	}
	return out, nil
}

// mountWindow tiles [start, end] with schema periods anchored at start.
func mountWindow(s Schema, start, end time.Time) []Period {
	var periods []Period
	for i := 0; ; i++ {
		pStart := advance(start, s.Unit, i*s.Step)
		if pStart.After(end) {
			break
		}
		pEnd := advance(start, s.Unit, (i+1)*s.Step).AddDate(0, 0, -1)
		if pEnd.After(end) {
			pEnd = end
		}
		periods = append(periods, Period{Start: pStart, End: pEnd})
	}
	return periods
}

// cycleOrigin aligns the cycle to its natural boundary at or before start.
func cycleOrigin(c Cycle, start time.Time) (time.Time, error) {
	switch c.Unit {
	case UnitYear:
		return time.Date(start.Year(), 1, 1, 0, 0, 0, 0, time.UTC), nil
	case UnitMonth:
		return time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	case UnitDay:
		return truncate(start), nil
	default:
		return time.Time{}, cube.NewInputError("timeline", fmt.Sprintf("unsupported cycle unit %q", c.Unit))
	}
}

// advance moves t forward by n units, anchored at t to avoid month-length
// drift when stepping repeatedly.
func advance(t time.Time, u Unit, n int) time.Time {
	switch u {
	case UnitDay:
		return t.AddDate(0, 0, n)
	case UnitMonth:
		return t.AddDate(0, n, 0)
	case UnitYear:
		return t.AddDate(n, 0, 0)
	default:
		return t
	}
}

func truncate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a yyyy-mm-dd date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(cube.DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, cube.NewInputError("timeline", fmt.Sprintf("bad date %q", s))
	}
	return t, nil
}
