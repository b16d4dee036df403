package hypervolt

import (
	"fmt"
	"strings"
)

// LockState is whether the charger is locked against use.
type LockState int

const (
	LockStateUnknown LockState = iota
	LockStateUnlocked
	LockStatePendingLock
	LockStateLocked
)

var lockStateNames = map[LockState]string{
	LockStateUnlocked:    "UNLOCKED",
	LockStatePendingLock: "PENDING_LOCK",
	LockStateLocked:      "LOCKED",
}

func (s LockState) String() string {
	if n, ok := lockStateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// ParseLockState maps a wire string onto a LockState. The API is not
// consistent about casing so the comparison is case-insensitive.
func ParseLockState(s string) (LockState, error) {
	for k, n := range lockStateNames {
		if strings.EqualFold(s, n) {
			return k, nil
		}
	}
	return LockStateUnknown, fmt.Errorf("unknown lock state %q", s)
}

// ChargeMode is how aggressively the charger draws power. The API calls this
// solar_mode in sync messages.
type ChargeMode int

const (
	ChargeModeUnknown ChargeMode = iota
	ChargeModeBoost
	ChargeModeEco
	ChargeModeSuperEco
)

var chargeModeNames = map[ChargeMode]string{
	ChargeModeBoost:    "BOOST",
	ChargeModeEco:      "ECO",
	ChargeModeSuperEco: "SUPER_ECO",
}

func (m ChargeMode) String() string {
	if n, ok := chargeModeNames[m]; ok {
		return n
	}
	return "UNKNOWN"
}

// WireName returns the lower-cased form the charger expects in commands.
func (m ChargeMode) WireName() string {
	return strings.ToLower(m.String())
}

func ParseChargeMode(s string) (ChargeMode, error) {
	for k, n := range chargeModeNames {
		if strings.EqualFold(s, n) {
			return k, nil
		}
	}
	return ChargeModeUnknown, fmt.Errorf("unknown charge mode %q", s)
}

// ActivationMode is whether the charger charges immediately on plug-in or
// only within configured schedule windows.
type ActivationMode int

const (
	ActivationModeUnknown ActivationMode = iota
	ActivationModePlugAndCharge
	ActivationModeSchedule
	ActivationModeOctopus
)

var activationModeNames = map[ActivationMode]string{
	ActivationModePlugAndCharge: "PLUG_AND_CHARGE",
	ActivationModeSchedule:      "SCHEDULE",
	ActivationModeOctopus:       "OCTOPUS",
}

func (m ActivationMode) String() string {
	if n, ok := activationModeNames[m]; ok {
		return n
	}
	return "UNKNOWN"
}

func ParseActivationMode(s string) (ActivationMode, error) {
	for k, n := range activationModeNames {
		if strings.EqualFold(s, n) {
			return k, nil
		}
	}
	return ActivationModeUnknown, fmt.Errorf("unknown activation mode %q", s)
}

// ReleaseState reports whether the user cancelled the current charge.
// Default means ready to charge, waiting on schedule/solar, or finished.
type ReleaseState int

const (
	ReleaseStateUnknown ReleaseState = iota
	ReleaseStateDefault
	ReleaseStateReleased
)

var releaseStateNames = map[ReleaseState]string{
	ReleaseStateDefault:  "DEFAULT",
	ReleaseStateReleased: "RELEASED",
}

func (s ReleaseState) String() string {
	if n, ok := releaseStateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

func ParseReleaseState(s string) (ReleaseState, error) {
	for k, n := range releaseStateNames {
		if strings.EqualFold(s, n) {
			return k, nil
		}
	}
	return ReleaseStateUnknown, fmt.Errorf("unknown release state %q", s)
}

// DayOfWeek is a bitmask of schedule days.
type DayOfWeek int

const (
	Monday    DayOfWeek = 1
	Tuesday   DayOfWeek = 2
	Wednesday DayOfWeek = 4
	Thursday  DayOfWeek = 8
	Friday    DayOfWeek = 16
	Saturday  DayOfWeek = 32
	Sunday    DayOfWeek = 64
	AllDays   DayOfWeek = 127
)

var dayNames = []struct {
	day  DayOfWeek
	name string
}{
	{Monday, "monday"},
	{Tuesday, "tuesday"},
	{Wednesday, "wednesday"},
	{Thursday, "thursday"},
	{Friday, "friday"},
	{Saturday, "saturday"},
	{Sunday, "sunday"},
}

// DaysFromNames folds a list of lower-case day names into a bitmask. Unknown
// names are an error so a bad schedule session is skipped as a whole.
func DaysFromNames(names []string) (DayOfWeek, error) {
	var days DayOfWeek
	for _, name := range names {
		found := false
		for _, dn := range dayNames {
			if strings.EqualFold(name, dn.name) {
				days |= dn.day
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown day %q", name)
		}
	}
	return days, nil
}

// Names expands the bitmask back into the wire's day-name list.
func (d DayOfWeek) Names() []string {
	var names []string
	for _, dn := range dayNames {
		if d&dn.day != 0 {
			names = append(names, dn.name)
		}
	}
	return names
}
