// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"fmt"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/logging"
	"github.com/earthdata-cube/cubebuilder/internal/metrics"
)

// NextStep records one completed activity on its stage counter. The atomic
// increment makes the fan-out fire at most once: only the completer that
// observes count == total emits the next stage, concurrent completers see a
// different count and stay silent.
func (s *Services) NextStep(ctx context.Context, a *cube.Activity) error {
	controlKey := cube.ControlKey(a)
	count, total, err := s.Tracker.Increment(controlKey)
	if err != nil {
		return fmt.Errorf("next_step %s: %w", controlKey, err)
	}
	if total == 0 || count != total {
		return nil
	}

	logging.Info().
		Str("action", string(a.Action)).
		Str("tile", a.Tile.Name).
		Str("period", a.Tile.Start+"_"+a.Tile.End).
		Msg("stage complete, fanning out next stage")

	switch a.Action {
	case cube.ActionMerge:
		metrics.StageTransitions.WithLabelValues("merge", "blend").Inc()
		return s.NextBlend(ctx, a)
	case cube.ActionBlend:
		if len(a.Job.Expressions) > 0 {
			metrics.StageTransitions.WithLabelValues("blend", "posblend").Inc()
			return s.NextPosblend(ctx, a)
		}
		metrics.StageTransitions.WithLabelValues("blend", "publish").Inc()
		return s.NextPublish(ctx, a)
	case cube.ActionPosblend:
		metrics.StageTransitions.WithLabelValues("posblend", "publish").Inc()
		return s.NextPublish(ctx, a)
	default:
		// Publish is the last stage.
		return nil
	}
}

// Solo re-emits a list of activities: DONE ones re-fire their counter bump,
// ERROR ones bump the stage error count. Manual recovery entry point.
func (s *Services) Solo(ctx context.Context, activities []*cube.Activity) error {
	for _, a := range activities {
		if err := s.putActivity(ctx, a); err != nil {
			return err
		}
		switch a.Status {
		case cube.StatusDone:
			if err := s.NextStep(ctx, a); err != nil {
				return err
			}
		case cube.StatusError:
			if err := s.Tracker.IncrementErrors(cube.ControlKey(a)); err != nil {
				return err
			}
		}
	}
	return nil
}

// failActivity flips the activity to ERROR with its step, persists the row,
// and bumps the stage error counter so the transition never fires.
func (s *Services) failActivity(ctx context.Context, a *cube.Activity, step string, cause error) error {
	a.MarkError(step, cause.Error())
	if err := s.putActivity(ctx, a); err != nil {
		return err
	}
	if err := s.Tracker.IncrementErrors(cube.ControlKey(a)); err != nil {
		return err
	}
	logging.Err(cause).
		Str("step", step).
		Str("key", a.Key).
		Str("sk", a.SK).
		Msg("activity failed")
	return nil
}
