package audio

import "math"

// stretchFrameMs is the WSOLA analysis window length.
const stretchFrameMs = 20

// TimeStretch changes the duration of mono samples by 1/speed without
// changing pitch, using waveform-similarity overlap-add (WSOLA). speed > 1
// shortens the audio. The output length is len(samples)/speed rounded down.
func TimeStretch(samples []float32, rate int, speed float64) []float32 {
	if speed <= 0 || speed == 1 || len(samples) == 0 || rate <= 0 {
		return samples
	}
	n := rate * stretchFrameMs / 1000
	outLen := int(float64(len(samples)) / speed)
	if n < 4 || len(samples) < 2*n {
		// Too short for a window: trim or pad with silence so pitch is kept.
		out := make([]float32, outLen)
		copy(out, samples)
		return out
	}
	hop := n / 2
	tol := n / 4

	win := make([]float32, n)
	for i := range win {
		win[i] = float32(0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n)))
	}

	out := make([]float32, outLen+n)
	norm := make([]float32, outLen+n)
	prev := 0
	for k := 0; k*hop < outLen; k++ {
		pos := k * hop
		start := 0
		if k > 0 {
			start = bestOffset(samples, prev+hop, int(float64(pos)*speed), tol, n-hop)
		}
		for i := range n {
			idx := start + i
			if idx >= len(samples) {
				break
			}
			out[pos+i] += samples[idx] * win[i]
			norm[pos+i] += win[i]
		}
		prev = start
	}
	for i := range outLen {
		if norm[i] > 1e-3 {
			out[i] /= norm[i]
		}
	}
	return out[:outLen]
}

// bestOffset searches [nominal-tol, nominal+tol] for the frame start whose
// first overlap samples best match the natural continuation of the previous
// frame.
func bestOffset(samples []float32, natural, nominal, tol, overlap int) int {
	best := max(nominal, 0)
	if natural+overlap > len(samples) {
		return min(best, len(samples)-1)
	}
	bestScore := math.Inf(-1)
	for d := -tol; d <= tol; d++ {
		s := nominal + d
		if s < 0 || s+overlap > len(samples) {
			continue
		}
		var score float64
		for i := range overlap {
			score += float64(samples[s+i]) * float64(samples[natural+i])
		}
		if score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}
