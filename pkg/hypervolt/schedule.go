package hypervolt

import (
	"fmt"
	"strings"
	"time"
)

// NumScheduleIntervals is how many schedule intervals the charger supports.
const NumScheduleIntervals = 4

// TimeOfDay is a wall-clock time with no date attached. Schedule intervals
// use these for their start and end.
type TimeOfDay struct {
	Hours   int
	Minutes int
	Seconds int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hours, t.Minutes)
}

// Before reports whether t is strictly earlier in the day than o.
func (t TimeOfDay) Before(o TimeOfDay) bool {
	if t.Hours != o.Hours {
		return t.Hours < o.Hours
	}
	if t.Minutes != o.Minutes {
		return t.Minutes < o.Minutes
	}
	return t.Seconds < o.Seconds
}

// ParseTimeOfDay accepts the forms the schedule API has been seen to send:
// "HH:MM", "HH:MM:SS", a full ISO datetime (the time part is taken), and
// "24:00" which is normalized to midnight.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	if s == "24:00" {
		return TimeOfDay{}, nil
	}
	if strings.Contains(s, "T") {
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
			if parsed, err := time.Parse(layout, s); err == nil {
				return TimeOfDay{Hours: parsed.Hour(), Minutes: parsed.Minute(), Seconds: parsed.Second()}, nil
			}
		}
		return TimeOfDay{}, fmt.Errorf("invalid datetime %q", s)
	}
	var t TimeOfDay
	switch strings.Count(s, ":") {
	case 1:
		if _, err := fmt.Sscanf(s, "%d:%d", &t.Hours, &t.Minutes); err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time %q", s)
		}
	case 2:
		if _, err := fmt.Sscanf(s, "%d:%d:%d", &t.Hours, &t.Minutes, &t.Seconds); err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time %q", s)
		}
	default:
		return TimeOfDay{}, fmt.Errorf("invalid time %q", s)
	}
	if t.Hours < 0 || t.Hours > 23 || t.Minutes < 0 || t.Minutes > 59 || t.Seconds < 0 || t.Seconds > 59 {
		return TimeOfDay{}, fmt.Errorf("time %q out of range", s)
	}
	return t, nil
}

// ScheduleInterval is one charging window. ChargeMode and Days only apply to
// v3 chargers; v2 schedules are bare start/end pairs.
type ScheduleInterval struct {
	Start      TimeOfDay
	End        TimeOfDay
	ChargeMode ChargeMode
	Days       DayOfWeek
}

// MergeAdjoiningIntervals combines runs of intervals where one ends exactly
// where the next starts. Input order is preserved; non-adjoining intervals
// pass through untouched.
func MergeAdjoiningIntervals(intervals []ScheduleInterval) []ScheduleInterval {
	var merged []ScheduleInterval
	for i := 0; i < len(intervals); {
		cur := intervals[i]
		j := i + 1
		for j < len(intervals) && cur.End == intervals[j].Start {
			cur.End = intervals[j].End
			j++
		}
		merged = append(merged, cur)
		i = j
	}
	return merged
}

// scheduleTimeV2 is the {hours, minutes, seconds} object the v2 REST
// schedule endpoint uses for interval boundaries.
type scheduleTimeV2 struct {
	Hours   int `json:"hours"`
	Minutes int `json:"minutes"`
	Seconds int `json:"seconds"`
}

// scheduleBodyV2 is the GET/PUT body of /charger/by-id/{id}/schedule.
// Intervals are [start, end] pairs.
type scheduleBodyV2 struct {
	Type      string              `json:"type"`
	Tz        string              `json:"tz"`
	Enabled   bool                `json:"enabled"`
	Intervals [][2]scheduleTimeV2 `json:"intervals"`
}

// scheduleSessionV3 is one session in schedules.get/schedule.set payloads.
type scheduleSessionV3 struct {
	SessionType string   `json:"session_type"`
	StartTime   string   `json:"start_time"`
	EndTime     string   `json:"end_time"`
	Mode        string   `json:"mode"`
	Days        []string `json:"days"`
}

// sessionsFromIntervals converts intervals to the v3 wire form. A session
// spanning midnight is split into two, one up to "24:00" and one from
// "00:00", dropping any zero-length half. The v2 API takes spanning
// intervals as-is so only this path splits.
func sessionsFromIntervals(intervals []ScheduleInterval) []scheduleSessionV3 {
	var sessions []scheduleSessionV3
	for _, iv := range intervals {
		mode := iv.ChargeMode
		if mode == ChargeModeUnknown {
			mode = ChargeModeBoost
		}
		days := iv.Days
		if days == 0 {
			days = AllDays
		}
		if iv.End.Before(iv.Start) {
			first := scheduleSessionV3{
				SessionType: "recurring",
				StartTime:   iv.Start.String(),
				EndTime:     "24:00",
				Mode:        mode.WireName(),
				Days:        days.Names(),
			}
			if first.StartTime != first.EndTime {
				sessions = append(sessions, first)
			}
			second := scheduleSessionV3{
				SessionType: "recurring",
				StartTime:   "00:00",
				EndTime:     iv.End.String(),
				Mode:        mode.WireName(),
				Days:        days.Names(),
			}
			if second.StartTime != second.EndTime {
				sessions = append(sessions, second)
			}
			continue
		}
		sessions = append(sessions, scheduleSessionV3{
			SessionType: "recurring",
			StartTime:   iv.Start.String(),
			EndTime:     iv.End.String(),
			Mode:        mode.WireName(),
			Days:        days.Names(),
		})
	}
	return sessions
}
