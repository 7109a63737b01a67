package bitmap

import "math"

// SampleSize returns the integer downsampling factor for decoding a
// width x height source for a reqWidth x reqHeight target.
//
// A (0,0) request means full resolution. Otherwise the factor starts at the
// ratio of the shorter source side and grows until the decoded area is at
// most twice the requested area.
func SampleSize(width, height, reqWidth, reqHeight int) int {
	if reqWidth <= 0 && reqHeight <= 0 {
		return 1
	}
	if width <= 0 || height <= 0 {
		return 1
	}
	if height <= reqHeight && width <= reqWidth {
		return 1
	}

	var ratio float64
	switch {
	case reqHeight <= 0:
		ratio = float64(width) / float64(reqWidth)
	case reqWidth <= 0:
		ratio = float64(height) / float64(reqHeight)
	case width > height:
		ratio = float64(height) / float64(reqHeight)
	default:
		ratio = float64(width) / float64(reqWidth)
	}
	sample := int(math.Round(ratio))
	if sample < 1 {
		sample = 1
	}

	if reqWidth <= 0 || reqHeight <= 0 {
		return sample
	}

	totalPixels := float64(width) * float64(height)
	capPixels := float64(reqWidth) * float64(reqHeight) * 2
	for totalPixels/float64(sample*sample) > capPixels {
		sample++
	}
	return sample
}

// scaledSize is the decoded size of one source dimension at the given factor.
func scaledSize(n, sample int) int {
	if sample < 1 {
		sample = 1
	}
	n /= sample
	if n < 1 {
		n = 1
	}
	return n
}
