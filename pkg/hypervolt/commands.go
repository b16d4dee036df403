package hypervolt

import (
	"context"
	"fmt"
)

// The consumer-facing mutation API. Commands go over the open sync socket
// or, where the hardware generation requires it, over REST. Each applies an
// optimistic local update after a successful send; the authoritative value
// still arrives as a sync.apply push.

// SetLEDBrightness sets the LED brightness as a percent in [0, 100].
func (c *Coordinator) SetLEDBrightness(ctx context.Context, percent float64) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("brightness %v out of range", percent)
	}
	ratio := percent / 100
	if err := c.syncSession.Send(ctx, "sync.apply", map[string]any{"brightness": ratio}); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.LEDBrightness = &ratio
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetMaxCurrent sets the charge current limit in milliamps.
func (c *Coordinator) SetMaxCurrent(ctx context.Context, milliamps int64) error {
	if err := c.syncSession.Send(ctx, "sync.apply", map[string]any{"max_current": milliamps}); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.MaxCurrentMilliamps = &milliamps
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetChargeMode sets the charge mode (solar_mode on the wire).
func (c *Coordinator) SetChargeMode(ctx context.Context, mode ChargeMode) error {
	if _, ok := chargeModeNames[mode]; !ok {
		return fmt.Errorf("invalid charge mode %d", mode)
	}
	if err := c.syncSession.Send(ctx, "sync.apply", map[string]any{"solar_mode": mode.WireName()}); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.ChargeMode = mode
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetCharging starts or stops the current charge. The wire field is the
// release flag, inverted.
func (c *Coordinator) SetCharging(ctx context.Context, charging bool) error {
	return c.syncSession.Send(ctx, "sync.apply", map[string]any{"release": !charging})
}

// SetLockState locks or unlocks the charger. v2 chargers take this over
// REST, v3 over the sync socket.
func (c *Coordinator) SetLockState(ctx context.Context, locked bool) error {
	if c.MajorVersion() == 2 {
		if err := c.client.PutLockStatusV2(ctx, c.cfg.ChargerID, locked); err != nil {
			return err
		}
	} else {
		if err := c.syncSession.Send(ctx, "sync.apply", map[string]any{"is_locked": locked}); err != nil {
			return err
		}
	}
	c.mu.Lock()
	if locked {
		c.state.LockState = LockStatePendingLock
	} else {
		c.state.LockState = LockStateUnlocked
	}
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetChargerName renames the charger.
func (c *Coordinator) SetChargerName(ctx context.Context, name string) error {
	if err := c.syncSession.Send(ctx, "set.name", map[string]any{"name": name}); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.ChargerName = &name
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetSchedule replaces the charging schedule. Adjoining intervals (one
// ending exactly where the next starts) are merged first. scheduleType and
// tz should come from a prior read; empty values fall back to the
// device-reported ones and then to the API defaults.
func (c *Coordinator) SetSchedule(ctx context.Context, mode ActivationMode, intervals []ScheduleInterval, scheduleType, tz string) error {
	merged := MergeAdjoiningIntervals(intervals)

	c.mu.Lock()
	if scheduleType == "" && c.state.ScheduleType != nil {
		scheduleType = *c.state.ScheduleType
	}
	if tz == "" && c.state.ScheduleTimezone != nil {
		tz = *c.state.ScheduleTimezone
	}
	c.mu.Unlock()

	if c.MajorVersion() == 2 {
		return c.client.PutScheduleV2(ctx, c.cfg.ChargerID, mode, merged, scheduleType, tz)
	}
	return c.syncSession.Send(ctx, "schedule.set", map[string]any{
		"enabled":    mode == ActivationModeSchedule,
		"is_default": false,
		"type":       "hypervolt",
		"sessions":   sessionsFromIntervals(merged),
	})
}

// SetScheduleEnabled toggles the schedule without changing its sessions.
// v3 only; v2 chargers must go through SetSchedule.
func (c *Coordinator) SetScheduleEnabled(ctx context.Context, enabled bool) error {
	if c.MajorVersion() == 2 {
		return fmt.Errorf("schedule enable toggle is not supported on v2 hardware")
	}
	return c.syncSession.Send(ctx, "schedule.set", map[string]any{"enabled": enabled})
}

// SetPendingScheduleIntervals stages schedule edits without sending them.
// Only ApplyPendingSchedule pushes them to the charger.
func (c *Coordinator) SetPendingScheduleIntervals(intervals []ScheduleInterval) {
	c.mu.Lock()
	c.state.PendingScheduleIntervals = append([]ScheduleInterval(nil), intervals...)
	c.mu.Unlock()
}

// ApplyPendingSchedule pushes the staged schedule edits to the charger.
func (c *Coordinator) ApplyPendingSchedule(ctx context.Context, mode ActivationMode) error {
	c.mu.Lock()
	pending := append([]ScheduleInterval(nil), c.state.PendingScheduleIntervals...)
	c.mu.Unlock()
	return c.SetSchedule(ctx, mode, pending, "", "")
}

// SetLEDStaticColor sets a steady LED color. Channels are ratios in [0, 1].
func (c *Coordinator) SetLEDStaticColor(ctx context.Context, color RGB) error {
	if err := c.syncSession.Send(ctx, "sync.apply", map[string]any{
		"effect_name": "steady_array",
		"leds":        []RGB{color},
	}); err != nil {
		return err
	}
	c.mu.Lock()
	cc := color
	c.state.LEDColor = &cc
	name := "steady_array"
	c.state.LEDEffectName = &name
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetLEDEffectName selects a built-in LED effect by its wire name.
func (c *Coordinator) SetLEDEffectName(ctx context.Context, name string) error {
	if err := c.syncSession.Send(ctx, "sync.apply", map[string]any{"effect_name": name}); err != nil {
		return err
	}
	c.mu.Lock()
	c.state.LEDEffectName = &name
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}

// SetLEDEffect applies a loaded drop-in effect by label.
func (c *Coordinator) SetLEDEffect(ctx context.Context, label string) error {
	effect, ok := c.effects[label]
	if !ok {
		return fmt.Errorf("unknown LED effect %q", label)
	}
	params := map[string]any{"effect_name": effect.EffectName}
	if effect.LEDs != nil {
		params["leds"] = effect.LEDs
	}
	if err := c.syncSession.Send(ctx, "sync.apply", params); err != nil {
		return err
	}
	c.mu.Lock()
	name := effect.EffectName
	c.state.LEDEffectName = &name
	c.mu.Unlock()
	c.publish(ctx, false)
	return nil
}
