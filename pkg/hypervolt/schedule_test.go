package hypervolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in   string
		want TimeOfDay
	}{
		{"06:30", TimeOfDay{Hours: 6, Minutes: 30}},
		{"23:59", TimeOfDay{Hours: 23, Minutes: 59}},
		{"06:30:15", TimeOfDay{Hours: 6, Minutes: 30, Seconds: 15}},
		{"24:00", TimeOfDay{}},
		{"2024-01-02T06:30:00Z", TimeOfDay{Hours: 6, Minutes: 30}},
		{"2024-01-02T06:30:00", TimeOfDay{Hours: 6, Minutes: 30}},
		{"2024-01-02T06:30", TimeOfDay{Hours: 6, Minutes: 30}},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	for _, bad := range []string{"", "630", "25:00", "06:60", "06:30:70", "2024-99-99Tnope"} {
		t.Run("invalid "+bad, func(t *testing.T) {
			_, err := ParseTimeOfDay(bad)
			assert.Error(t, err)
		})
	}
}

func TestTimeOfDayString(t *testing.T) {
	assert.Equal(t, "06:05", TimeOfDay{Hours: 6, Minutes: 5, Seconds: 30}.String())
	assert.Equal(t, "00:00", TimeOfDay{}.String())
}

func TestTimeOfDayBefore(t *testing.T) {
	assert.True(t, TimeOfDay{Hours: 6}.Before(TimeOfDay{Hours: 7}))
	assert.True(t, TimeOfDay{Hours: 6, Minutes: 10}.Before(TimeOfDay{Hours: 6, Minutes: 20}))
	assert.False(t, TimeOfDay{Hours: 6}.Before(TimeOfDay{Hours: 6}))
	assert.False(t, TimeOfDay{Hours: 7}.Before(TimeOfDay{Hours: 6, Minutes: 59}))
}

func TestMergeAdjoiningIntervals(t *testing.T) {
	iv := func(sh, sm, eh, em int) ScheduleInterval {
		return ScheduleInterval{
			Start: TimeOfDay{Hours: sh, Minutes: sm},
			End:   TimeOfDay{Hours: eh, Minutes: em},
		}
	}

	t.Run("merges a run", func(t *testing.T) {
		got := MergeAdjoiningIntervals([]ScheduleInterval{
			iv(1, 0, 2, 0),
			iv(2, 0, 3, 0),
			iv(3, 0, 4, 0),
		})
		require.Len(t, got, 1)
		assert.Equal(t, iv(1, 0, 4, 0), got[0])
	})

	t.Run("leaves gaps alone", func(t *testing.T) {
		in := []ScheduleInterval{iv(1, 0, 2, 0), iv(2, 30, 3, 0)}
		assert.Equal(t, in, MergeAdjoiningIntervals(in))
	})

	t.Run("mixed", func(t *testing.T) {
		got := MergeAdjoiningIntervals([]ScheduleInterval{
			iv(1, 0, 2, 0),
			iv(2, 0, 3, 0),
			iv(5, 0, 6, 0),
		})
		assert.Equal(t, []ScheduleInterval{iv(1, 0, 3, 0), iv(5, 0, 6, 0)}, got)
	})

	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, MergeAdjoiningIntervals(nil))
	})
}

func TestSessionsFromIntervals(t *testing.T) {
	t.Run("simple interval with defaults", func(t *testing.T) {
		got := sessionsFromIntervals([]ScheduleInterval{{
			Start: TimeOfDay{Hours: 1},
			End:   TimeOfDay{Hours: 5},
		}})
		require.Len(t, got, 1)
		assert.Equal(t, scheduleSessionV3{
			SessionType: "recurring",
			StartTime:   "01:00",
			EndTime:     "05:00",
			Mode:        "boost",
			Days:        AllDays.Names(),
		}, got[0])
	})

	t.Run("explicit mode and days", func(t *testing.T) {
		got := sessionsFromIntervals([]ScheduleInterval{{
			Start:      TimeOfDay{Hours: 9, Minutes: 30},
			End:        TimeOfDay{Hours: 16},
			ChargeMode: ChargeModeSuperEco,
			Days:       Saturday | Sunday,
		}})
		require.Len(t, got, 1)
		assert.Equal(t, "super_eco", got[0].Mode)
		assert.Equal(t, []string{"saturday", "sunday"}, got[0].Days)
	})

	t.Run("midnight span splits in two", func(t *testing.T) {
		got := sessionsFromIntervals([]ScheduleInterval{{
			Start: TimeOfDay{Hours: 22},
			End:   TimeOfDay{Hours: 6},
		}})
		require.Len(t, got, 2)
		assert.Equal(t, "22:00", got[0].StartTime)
		assert.Equal(t, "24:00", got[0].EndTime)
		assert.Equal(t, "00:00", got[1].StartTime)
		assert.Equal(t, "06:00", got[1].EndTime)
	})

	t.Run("span ending at midnight drops the empty half", func(t *testing.T) {
		got := sessionsFromIntervals([]ScheduleInterval{{
			Start: TimeOfDay{Hours: 22, Minutes: 30},
			End:   TimeOfDay{},
		}})
		require.Len(t, got, 1)
		assert.Equal(t, "22:30", got[0].StartTime)
		assert.Equal(t, "24:00", got[0].EndTime)
	})
}
