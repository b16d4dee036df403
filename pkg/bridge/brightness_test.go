package bridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentToBrightness(t *testing.T) {
	assert.Equal(t, 0, PercentToBrightness(0))
	assert.Equal(t, 255, PercentToBrightness(100))
	assert.Equal(t, 128, PercentToBrightness(50))
	// out-of-range inputs clamp
	assert.Equal(t, 0, PercentToBrightness(-5))
	assert.Equal(t, 255, PercentToBrightness(150))
}

func TestBrightnessToPercent(t *testing.T) {
	assert.Equal(t, 0, BrightnessToPercent(0))
	assert.Equal(t, 100, BrightnessToPercent(255))
	assert.Equal(t, 50, BrightnessToPercent(128))

	// dim-but-on must never report as off
	assert.Equal(t, 1, BrightnessToPercent(1))

	// out-of-range inputs clamp
	assert.Equal(t, 0, BrightnessToPercent(-10))
	assert.Equal(t, 100, BrightnessToPercent(1000))
}

func TestBrightnessRoundTrip(t *testing.T) {
	// every nonzero percent survives the round trip through 0-255
	for percent := 0; percent <= 100; percent++ {
		got := BrightnessToPercent(PercentToBrightness(percent))
		assert.Equal(t, percent, got, "percent %d", percent)
	}
}

func TestBrightnessToPercentMonotonic(t *testing.T) {
	prev := 0
	for b := 0; b <= 255; b++ {
		p := BrightnessToPercent(b)
		assert.GreaterOrEqual(t, p, prev, "brightness %d", b)
		prev = p
	}
}

func TestRatioToPercent(t *testing.T) {
	assert.Equal(t, 0, RatioToPercent(0))
	assert.Equal(t, 0, RatioToPercent(-0.5))
	assert.Equal(t, 100, RatioToPercent(1))
	assert.Equal(t, 100, RatioToPercent(1.5))
	assert.Equal(t, 50, RatioToPercent(0.5))
	assert.Equal(t, 25, RatioToPercent(0.25))
}
