package hypervolt

import (
	"fmt"
	"strconv"
	"time"
)

// powerSampleWindow bounds how long energy samples are retained for the
// derived power estimate. minPowerSampleSpread is the smallest gap between
// the oldest and newest sample that still gives a meaningful slope.
const (
	powerSampleWindow    = 5 * time.Minute
	minPowerSampleSpread = 30 * time.Second
)

// RGB is a static LED color. Channels are ratios in [0, 1].
type RGB struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
}

// DeviceState holds everything known about one charger. Fields are pointers
// where the value is unknown until first observed; inbound messages only
// ever touch the fields they carry, so unrelated fields survive partial
// updates. The state is owned by the UpdateCoordinator and must only be
// read or written while holding its lock.
type DeviceState struct {
	ChargerID    string
	MajorVersion int

	Charging                *bool
	SessionID               *int64
	SessionWattHours        *float64
	SessionCarbonSavedGrams *float64

	// SessionEnergyTotal is derived, not taken from the API. It is the
	// running max of SessionWattHours since the session id last changed so
	// downstream energy accounting sees a strictly increasing counter.
	SessionEnergyTotal *float64

	// SessionPowerWatts is derived by differencing the energy counter over
	// a short time window, which suppresses the noise a raw delta would
	// carry.
	SessionPowerWatts *float64

	CurrentMilliamps     *float64
	VoltageVolts         *float64
	CTCurrentMilliamps   *float64
	CTPowerWatts         *float64
	EVPowerWatts         *float64
	HousePowerWatts      *float64
	GridPowerWatts       *float64
	GenerationPowerWatts *float64

	MaxCurrentMilliamps *int64

	// LEDBrightness is a ratio in [0, 1] as the API reports it.
	LEDBrightness *float64
	LEDColor      *RGB
	LEDEffectName *string

	LockState      LockState
	ChargeMode     ChargeMode
	ReleaseState   ReleaseState
	ActivationMode ActivationMode

	CarPlugged      *bool
	FirmwareVersion *string
	ChargerName     *string

	ScheduleIntervals []ScheduleInterval
	ScheduleType      *string
	ScheduleTimezone  *string

	// PendingScheduleIntervals mirrors ScheduleIntervals but is only pushed
	// to the charger on an explicit apply. Inbound messages never edit it
	// directly; it is reset to mirror the confirmed list after a successful
	// read-back.
	PendingScheduleIntervals []ScheduleInterval

	energySamples []energySample
}

type energySample struct {
	at        time.Time
	wattHours float64
}

// NewDeviceState derives the hardware major version from the charger id.
func NewDeviceState(chargerID string) *DeviceState {
	return &DeviceState{
		ChargerID:    chargerID,
		MajorVersion: MajorVersionFromChargerID(chargerID),
	}
}

// MajorVersionFromChargerID infers the hardware generation from the id's
// width: the decimal id rendered as hex and rounded up to an even number of
// digits is 12 digits for a v2 charger and 16 for a v3. Anything else is
// assumed to be a newer charger.
func MajorVersionFromChargerID(chargerID string) int {
	id, err := strconv.ParseUint(chargerID, 10, 64)
	if err != nil {
		return 3
	}
	hexDigits := len(fmt.Sprintf("%x", id))
	hexDigits = (hexDigits + 1) / 2 * 2
	switch hexDigits {
	case 12:
		return 2
	case 16:
		return 3
	}
	return 3
}

// Clone returns a deep copy safe to hand to subscribers outside the
// coordinator's lock. The internal energy-sample window is not copied; it
// only feeds the already-derived SessionPowerWatts.
func (s *DeviceState) Clone() *DeviceState {
	if s == nil {
		return nil
	}
	c := *s
	c.energySamples = nil
	c.Charging = clonePtr(s.Charging)
	c.SessionID = clonePtr(s.SessionID)
	c.SessionWattHours = clonePtr(s.SessionWattHours)
	c.SessionCarbonSavedGrams = clonePtr(s.SessionCarbonSavedGrams)
	c.SessionEnergyTotal = clonePtr(s.SessionEnergyTotal)
	c.SessionPowerWatts = clonePtr(s.SessionPowerWatts)
	c.CurrentMilliamps = clonePtr(s.CurrentMilliamps)
	c.VoltageVolts = clonePtr(s.VoltageVolts)
	c.CTCurrentMilliamps = clonePtr(s.CTCurrentMilliamps)
	c.CTPowerWatts = clonePtr(s.CTPowerWatts)
	c.EVPowerWatts = clonePtr(s.EVPowerWatts)
	c.HousePowerWatts = clonePtr(s.HousePowerWatts)
	c.GridPowerWatts = clonePtr(s.GridPowerWatts)
	c.GenerationPowerWatts = clonePtr(s.GenerationPowerWatts)
	c.MaxCurrentMilliamps = clonePtr(s.MaxCurrentMilliamps)
	c.LEDBrightness = clonePtr(s.LEDBrightness)
	c.LEDColor = clonePtr(s.LEDColor)
	c.LEDEffectName = clonePtr(s.LEDEffectName)
	c.CarPlugged = clonePtr(s.CarPlugged)
	c.FirmwareVersion = clonePtr(s.FirmwareVersion)
	c.ChargerName = clonePtr(s.ChargerName)
	c.ScheduleType = clonePtr(s.ScheduleType)
	c.ScheduleTimezone = clonePtr(s.ScheduleTimezone)
	c.ScheduleIntervals = append([]ScheduleInterval(nil), s.ScheduleIntervals...)
	c.PendingScheduleIntervals = append([]ScheduleInterval(nil), s.PendingScheduleIntervals...)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// updateDerivedEnergy maintains SessionEnergyTotal after a session reading.
// A session id change resets the counter to unknown; otherwise it only ever
// rises, and only while charging.
func (s *DeviceState) updateDerivedEnergy(prevSessionID *int64, now time.Time) {
	sessionChanged := prevSessionID != nil && s.SessionID != nil && *prevSessionID != *s.SessionID
	if sessionChanged {
		s.SessionEnergyTotal = nil
		s.SessionPowerWatts = nil
		s.energySamples = nil
	}

	charging := s.Charging != nil && *s.Charging
	if !charging || s.SessionWattHours == nil {
		return
	}

	total := *s.SessionWattHours
	if s.SessionEnergyTotal != nil && *s.SessionEnergyTotal > total {
		total = *s.SessionEnergyTotal
	}
	s.SessionEnergyTotal = &total

	s.energySamples = append(s.energySamples, energySample{at: now, wattHours: total})
	cutoff := now.Add(-powerSampleWindow)
	for len(s.energySamples) > 0 && s.energySamples[0].at.Before(cutoff) {
		s.energySamples = s.energySamples[1:]
	}

	oldest := s.energySamples[0]
	newest := s.energySamples[len(s.energySamples)-1]
	spread := newest.at.Sub(oldest.at)
	if spread < minPowerSampleSpread {
		return
	}
	watts := (newest.wattHours - oldest.wattHours) / spread.Hours()
	s.SessionPowerWatts = &watts
}
