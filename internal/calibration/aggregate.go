package calibration

// Aggregate reduces the passes of one step into its measurement. The mean
// uses every detected pass; direction and interval speeds come from the
// last detected one. Extras are attached as captured.
func Aggregate(step int, passes []PassOutcome, extras Extras) SpeedStepMeasurement {
	m := SpeedStepMeasurement{
		Step:        step,
		Throttle:    StepToThrottle(step),
		ThrottlePct: StepToPercent(step),
		Passes:      len(passes),
	}

	var (
		sum  float64
		last *PassOutcome
	)
	for i := range passes {
		if !passes[i].Detected {
			continue
		}
		m.ValidPasses++
		sum += passes[i].SpeedMPH
		last = &passes[i]
		m.RawPasses = append(m.RawPasses, passes[i])
	}

	if last == nil {
		m.Direction = "none"
		m.Error = NoDataMarker
	} else {
		mean := round1(sum / float64(m.ValidPasses))
		m.AvgScaleMPH = &mean
		m.Direction = last.Direction
		if m.Direction == "" {
			m.Direction = "unknown"
		}
		if len(last.Intervals) > 0 {
			m.Intervals = append([]float64(nil), last.Intervals...)
		}
	}

	if a := extras.Audio; a != nil {
		m.AudioRMSdB = ptr(a.RMSdB)
		m.AudioPeakdB = ptr(a.PeakdB)
	}
	m.PullGrams = extras.PullGrams
	m.VibrationP2P = extras.VibrationP2P
	m.VibrationRMS = extras.VibrationRMS
	return m
}
