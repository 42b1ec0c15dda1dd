package fusion

import (
	"errors"
	"math"

	"solararchive/internal/frame"
)

// SNRGain compares the noise in a central patch of a single reference plane
// against the same patch of the composite. For N frames of similar noise the
// result is close to sqrt(N).
func SNRGain(reference []float32, composite frame.Grid, patch int) (float64, error) {
	if len(reference) != len(composite.Data) {
		return 0, errors.New("reference and composite differ in size")
	}
	refStd, ok := patchStd(reference, composite.Width, composite.Height, patch)
	if !ok {
		return 0, errors.New("reference patch has no finite samples")
	}
	compStd, ok := patchStd(composite.Data, composite.Width, composite.Height, patch)
	if !ok {
		return 0, errors.New("composite patch has no finite samples")
	}
	if compStd == 0 {
		return 0, errors.New("composite patch has zero variance")
	}
	return refStd / compStd, nil
}

func patchStd(data []float32, width, height, patch int) (float64, bool) {
	pw := min(patch, width)
	ph := min(patch, height)
	x0 := (width - pw) / 2
	y0 := (height - ph) / 2

	var n int
	var mean, m2 float64
	for y := y0; y < y0+ph; y++ {
		row := data[y*width : (y+1)*width]
		for x := x0; x < x0+pw; x++ {
			v := float64(row[x])
			if math.IsNaN(v) || math.IsInf(v, 0) {
				continue
			}
			n++
			d := v - mean
			mean += d / float64(n)
			m2 += d * (v - mean)
		}
	}
	if n < 2 {
		return 0, false
	}
	return math.Sqrt(m2 / float64(n)), true
}
