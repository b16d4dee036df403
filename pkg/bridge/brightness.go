package bridge

import "math"

// Brightness conversions between the charger's LED ratio (0.0-1.0), the
// bridge's percent scale (0-100), and the 0-255 scale MQTT light consumers
// use.

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// PercentToBrightness converts a percent (0-100) to a brightness (0-255).
func PercentToBrightness(percent int) int {
	percent = clampInt(percent, 0, 100)
	return int(math.Round(float64(percent) / 100 * 255))
}

// BrightnessToPercent converts a brightness (0-255) to a percent (0-100).
// A nonzero brightness never maps to 0%, so a dim-but-on light is not
// reported as off.
func BrightnessToPercent(brightness int) int {
	brightness = clampInt(brightness, 0, 255)
	if brightness == 0 {
		return 0
	}
	percent := int(math.Round(float64(brightness) / 255 * 100))
	if percent == 0 {
		percent = 1
	}
	return clampInt(percent, 0, 100)
}

// RatioToPercent converts the charger's brightness ratio (0.0-1.0) to a
// percent, clamping values outside the range.
func RatioToPercent(ratio float64) int {
	if ratio <= 0 {
		return 0
	}
	if ratio >= 1 {
		return 100
	}
	return clampInt(int(math.Round(ratio*100)), 0, 100)
}
