package services

import "math"

const (
	lbsPerKg     = 2.2046226218
	cmPerInch    = 2.54
	bmiImperialK = 703
)

// Measurements are the raw height/weight inputs from a payload or record.
// Nil means "not provided".
type Measurements struct {
	HeightFeet   *float64
	HeightInches *float64
	HeightCm     *float64
	WeightLbs    *float64
	WeightKg     *float64
}

// BodyMetrics are the normalized values persisted alongside BMI.
type BodyMetrics struct {
	BMI          float64
	WeightLbs    float64
	HeightFeet   int
	HeightInches int
}

func positive(p *float64) bool { return p != nil && *p > 0 }

func (m Measurements) weightLbs() (float64, bool) {
	switch {
	case positive(m.WeightLbs):
		return *m.WeightLbs, true
	case positive(m.WeightKg):
		return *m.WeightKg * lbsPerKg, true
	}
	return 0, false
}

func (m Measurements) heightInches() (float64, bool) {
	if m.HeightFeet != nil || m.HeightInches != nil {
		var ft, in float64
		if m.HeightFeet != nil {
			ft = *m.HeightFeet
		}
		if m.HeightInches != nil {
			in = *m.HeightInches
		}
		total := ft*12 + in
		return total, total > 0
	}
	if positive(m.HeightCm) {
		return *m.HeightCm / cmPerInch, true
	}
	return 0, false
}

// ResolveBMI computes BMI from the incoming measurements, falling back to the
// stored ones for whichever of height or weight is missing. It reports false
// when either cannot be resolved.
func ResolveBMI(incoming, stored Measurements) (BodyMetrics, bool) {
	w, ok := incoming.weightLbs()
	if !ok {
		w, ok = stored.weightLbs()
	}
	if !ok {
		return BodyMetrics{}, false
	}
	h, ok := incoming.heightInches()
	if !ok {
		h, ok = stored.heightInches()
	}
	if !ok {
		return BodyMetrics{}, false
	}
	feet := int(math.Floor(h / 12))
	inches := int(math.Round(math.Mod(h, 12)))
	if inches == 12 {
		feet++
		inches = 0
	}
	return BodyMetrics{
		BMI:          round2(bmiImperialK * w / (h * h)),
		WeightLbs:    round2(w),
		HeightFeet:   feet,
		HeightInches: inches,
	}, true
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
