// Cubebuilder - Earth Observation Data Cube Assembly
// Copyright 2026 The Cubebuilder Authors
// SPDX-License-Identifier: MIT
// https://github.com/earthdata-cube/cubebuilder

// Package cube defines the data model shared by every pipeline stage: the
// cube descriptor, the quality-band mask, tiles and periods, and the activity
// record that travels through the queue with an action discriminator.
//
// Activities are addressed by (key, sk). The key concatenates the addressed
// fields exactly the way the control and activity tables expect them, so the
// same activity read back from storage always resolves to the same row.
package cube
