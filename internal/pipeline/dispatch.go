// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

package pipeline

import (
	"context"
	"time"

	"github.com/earthdata-cube/cubebuilder/internal/cube"
	"github.com/earthdata-cube/cubebuilder/internal/metrics"
)

// Dispatch is the worker entry point: it runs the stage function of one
// activity and translates the outcome.
//
//   - success: the activity row is DONE and next_step bumps the counter
//   - classified failure (input, data, catalog): the row flips to ERROR,
//     the stage error counter bumps, and the message is acked — re-runs
//     cannot fix it
//   - anything else is transient: the error propagates, the message nacks,
//     and the queue redelivers
func (s *Services) Dispatch(ctx context.Context, a *cube.Activity) error {
	start := time.Now()

	var err error
	switch a.Action {
	case cube.ActionMerge:
		err = s.MergeWarped(ctx, a)
	case cube.ActionBlend:
		err = s.Blend(ctx, a)
	case cube.ActionPosblend:
		err = s.Posblend(ctx, a)
	case cube.ActionPublish:
		err = s.Publish(ctx, a)
	default:
		err = cube.NewInputError("dispatch", "unknown action "+string(a.Action))
	}

	if err == nil {
		metrics.ObserveStage(string(a.Action), string(cube.StatusDone), start)
		return s.NextStep(ctx, a)
	}

	if stageErr, ok := cube.AsStageError(err); ok {
		metrics.ObserveStage(string(a.Action), string(cube.StatusError), start)
		return s.failActivity(ctx, a, stageErr.Step, stageErr)
	}

	metrics.ObserveStage(string(a.Action), "RETRY", start)
	return err
}
