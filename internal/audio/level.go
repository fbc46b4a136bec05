// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package audio compares a locomotive's sound level against the fleet
// reference and turns the difference into a master volume CV value.
package audio

import (
	"errors"
	"math"

	"github.com/blwfish/test-and-calibration-track/internal/storage"
)

// ErrNoOverlap is returned when two curves share no speed step.
var ErrNoOverlap = errors.New("audio: curves share no speed step")

// Tolerance is the delta below which a loco is considered matched.
const Tolerance = 1.0

// Delta is the mean of target minus reference over the steps present in
// both curves. Positive means the target is louder.
func Delta(target, reference []storage.CurvePoint) (float64, error) {
	ref := make(map[int]float64, len(reference))
	for _, p := range reference {
		ref[p.Step] = p.Value
	}
	var (
		sum float64
		n   int
	)
	for _, p := range target {
		r, ok := ref[p.Step]
		if !ok {
			continue
		}
		sum += p.Value - r
		n++
	}
	if n == 0 {
		return 0, ErrNoOverlap
	}
	return sum / float64(n), nil
}

// Mean averages a curve. ok is false for an empty curve.
func Mean(curve []storage.CurvePoint) (mean float64, ok bool) {
	if len(curve) == 0 {
		return 0, false
	}
	var sum float64
	for _, p := range curve {
		sum += p.Value
	}
	return sum / float64(len(curve)), true
}

// ComputeNewCV scales a linear volume CV to shift output by -deltaDB,
// clamped to [lo, hi]. A current value at or below zero yields lo.
// Halves round to even.
func ComputeNewCV(current int, deltaDB float64, lo, hi int) int {
	if current <= 0 {
		return lo
	}
	ratio := math.Pow(10, -deltaDB/20)
	v := int(math.RoundToEven(float64(current) * ratio))
	return max(lo, min(hi, v))
}
