package capture

// Meter converts analyzer amplitude windows into normalized loudness
// samples. Each sample is an independent function of the latest window; no
// smoothing across frames. A missing analyzer degrades to a constant zero
// stream rather than aborting the capture.
type Meter struct {
	analyzer Analyzer
}

// NewMeter creates a meter over the given analyzer. A nil analyzer is
// allowed and yields zero samples.
func NewMeter(a Analyzer) *Meter {
	return &Meter{analyzer: a}
}

// Sample returns the current loudness in [0,1]: the average magnitude of
// the latest window, normalized by the maximum representable amplitude.
func (m *Meter) Sample() float64 {
	if m == nil || m.analyzer == nil {
		return 0
	}
	w := m.analyzer.Window()
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w {
		sum += float64(v)
	}
	return sum / float64(len(w)) / 255.0
}
