package fermenter

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermpi/fermpi/controller/modules/profile"
)

func TestSetTargetValidation(t *testing.T) {
	r := newRig(t, BangBang)
	for _, v := range []float64{-10.5, 50.1, math.NaN(), math.Inf(1)} {
		assert.ErrorIs(t, r.m.SetTarget(0, v), ErrInvalidTarget, "%v", v)
	}
	assert.ErrorIs(t, r.m.SetTarget(3, 18), ErrInvalidVessel)
	assert.ErrorIs(t, r.m.SetTarget(-1, 18), ErrInvalidVessel)

	require.NoError(t, r.m.SetTarget(2, -10))
	require.NoError(t, r.m.SetTarget(2, 50))
	vs, err := r.m.Vessel(2)
	require.NoError(t, err)
	assert.Equal(t, 50.0, vs.TargetTemp)
}

func TestSetMode(t *testing.T) {
	r := newRig(t, BangBang)
	assert.ErrorIs(t, r.m.SetMode("fuzzy"), ErrInvalidMode)
	require.NoError(t, r.m.SetMode(PID))
	assert.Equal(t, PID, r.m.Mode())
	assert.Contains(t, r.m.Events()[len(r.m.Events())-1], "Control mode changed from bangbang to pid")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("pid")
	require.NoError(t, err)
	assert.Equal(t, PID, m)
	_, err = ParseMode("PID")
	assert.ErrorIs(t, err, ErrInvalidMode)
}

func TestAssignAndUnassignProfile(t *testing.T) {
	r := newRig(t, BangBang)
	require.NoError(t, r.m.SetActive(1, false))

	_, err := r.m.AssignProfile(1, "missing")
	assert.ErrorIs(t, err, profile.ErrNotFound)

	p, err := r.m.AssignProfile(1, "crash")
	require.NoError(t, err)
	assert.Equal(t, "Crash", p.Name)

	vs, err := r.m.Vessel(1)
	require.NoError(t, err)
	assert.True(t, vs.Active)
	require.NotNil(t, vs.Profile)
	assert.Equal(t, "crash", vs.Profile.ID)
	assert.Equal(t, epoch, vs.Profile.StartTime)
	assert.Zero(t, vs.Profile.Offset)

	require.NoError(t, r.m.UnassignProfile(1))
	vs, err = r.m.Vessel(1)
	require.NoError(t, err)
	assert.False(t, vs.Active)
	assert.Nil(t, vs.Profile)

	r.m.mu.RLock()
	v := r.m.vessels[1]
	assert.True(t, v.profileStart.IsZero())
	assert.Zero(t, v.step)
	assert.Zero(t, v.offset)
	r.m.mu.RUnlock()
}

func TestSkipStep(t *testing.T) {
	r := newRig(t, BangBang)
	_, err := r.m.SkipStep(0)
	assert.ErrorIs(t, err, ErrNoProfile)

	_, err = r.m.AssignProfile(0, "crash")
	require.NoError(t, err)
	r.tick(10 * time.Hour)
	require.NoError(t, r.m.SetTarget(0, 19))

	next, err := r.m.SkipStep(0)
	require.NoError(t, err)
	assert.Equal(t, "Crash", next.Name)

	r.tick(0)
	vs, err := r.m.Vessel(0)
	require.NoError(t, err)
	assert.Equal(t, 2, vs.Profile.Step)
	assert.Zero(t, vs.Profile.Offset)
	assert.Equal(t, 18.0, vs.TargetTemp)
	assert.InDelta(t, 60.0, vs.Profile.RemainingHours, 0.01)

	_, err = r.m.SkipStep(0)
	assert.ErrorIs(t, err, ErrLastStep)
}

func TestSkipFromMarkerStep(t *testing.T) {
	r := newRig(t, BangBang)
	_, err := r.m.AssignProfile(0, "crash")
	require.NoError(t, err)

	next, err := r.m.SkipStep(0)
	require.NoError(t, err)
	assert.Equal(t, "Primary", next.Name)

	r.tick(0)
	vs, err := r.m.Vessel(0)
	require.NoError(t, err)
	assert.Equal(t, 1, vs.Profile.Step)
}

func TestSettingsPersistAcrossRestart(t *testing.T) {
	c := newTestController(t)
	r := newRigWith(t, c, BangBang)
	require.NoError(t, r.m.SetTarget(1, 21.5))
	require.NoError(t, r.m.SetActive(2, false))
	require.NoError(t, r.m.SetMode(PID))
	_, err := r.m.AssignProfile(0, "crash")
	require.NoError(t, err)
	r.tick(10 * time.Hour)
	require.NoError(t, r.m.SetTarget(0, 19))

	again := newRigWith(t, c, BangBang)
	again.clock = r.clock
	assert.Equal(t, PID, again.m.Mode())

	vs, err := again.m.Vessel(1)
	require.NoError(t, err)
	assert.Equal(t, 21.5, vs.TargetTemp)

	vs, err = again.m.Vessel(2)
	require.NoError(t, err)
	assert.False(t, vs.Active)

	again.tick(time.Hour)
	vs, err = again.m.Vessel(0)
	require.NoError(t, err)
	require.NotNil(t, vs.Profile)
	assert.Equal(t, epoch, vs.Profile.StartTime.UTC())
	assert.Equal(t, 1, vs.Profile.Step)
	assert.Equal(t, 1.0, vs.Profile.Offset)
	assert.Equal(t, 19.0, vs.TargetTemp)
}

func TestLoadSettingsKeepsDefaultsForBadFields(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Store().CreateBucket(Bucket))
	require.NoError(t, c.Store().Update(Bucket, settingsKey, map[string]interface{}{
		"target_fermenters":       []float64{10, 11},
		"fermenter_active_status": []bool{false, true, false},
		"fermenter_profiles":      "crash",
		"control_mode":            "turbo",
	}))

	r := newRigWith(t, c, PID)
	assert.Equal(t, PID, r.m.Mode())
	for i, active := range []bool{false, true, false} {
		vs, err := r.m.Vessel(i)
		require.NoError(t, err)
		assert.Equal(t, defaultTarget, vs.TargetTemp)
		assert.Equal(t, active, vs.Active)
		assert.Nil(t, vs.Profile)
	}
}

func TestBadStartTimeDropsProfile(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Store().CreateBucket(Bucket))
	id, start := "crash", "yesterday"
	s := DefaultSettings(3, BangBang)
	s.Profiles[0] = &id
	s.StartTimes[0] = &start
	require.NoError(t, c.Store().Update(Bucket, settingsKey, &s))

	r := newRigWith(t, c, BangBang)
	vs, err := r.m.Vessel(0)
	require.NoError(t, err)
	assert.Nil(t, vs.Profile)
}

func TestUpdateTunables(t *testing.T) {
	c := newTestController(t)
	r := newRigWith(t, c, PID)

	bad := DefaultTunables()
	bad.DutyCycle = 0
	assert.ErrorIs(t, r.m.UpdateTunables(bad), ErrInvalidConfig)

	tun := DefaultTunables()
	tun.Kp = 10
	tun.DutyCycle = 120 * time.Second
	tun.ChillerMinOn = time.Minute
	require.NoError(t, r.m.UpdateTunables(tun))
	assert.Equal(t, 10.0, r.m.Tunables().Kp)
	assert.Equal(t, 10.0, r.m.vessels[0].pid.Config().Kp)
	assert.Equal(t, 120*time.Second, r.m.vessels[2].duty.Cycle())
	assert.Equal(t, time.Minute, r.m.guard.MinOn)

	again := newRigWith(t, c, PID)
	assert.Equal(t, tun, again.m.Tunables())
	assert.Equal(t, 10.0, again.m.vessels[1].pid.Config().Kp)
}

func TestTunablesJSONUsesSeconds(t *testing.T) {
	tun := DefaultTunables()
	b, err := tun.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"duty_cycle":60`)
	assert.Contains(t, string(b), `"chiller_min_on":300`)

	require.NoError(t, tun.UnmarshalJSON([]byte(`{"duty_cycle": 30, "kp": 7}`)))
	assert.Equal(t, 30*time.Second, tun.DutyCycle)
	assert.Equal(t, 7.0, tun.Kp)
	assert.Equal(t, 180*time.Second, tun.ChillerMinOff)
}

func TestBathTargetRules(t *testing.T) {
	cases := []struct {
		cooling, lowest, want float64
	}{
		{0, 18, 23},
		{10, 18, 16},
		{50, 18, 14},
		{90, 18, 13},
		{90, 2, -3},
		{90, -2, -5},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DynamicBathTarget(c.cooling, c.lowest, 5, -5), "cooling %v lowest %v", c.cooling, c.lowest)
	}
	assert.Equal(t, 13.0, FixedBathTarget(18, 5, -5))
	assert.Equal(t, -5.0, FixedBathTarget(-1, 5, -5))
}

func TestEventsAreCapped(t *testing.T) {
	r := newRig(t, BangBang)
	for i := 0; i < 150; i++ {
		require.NoError(t, r.m.SetTarget(0, float64(i%40)))
	}
	events := r.m.Events()
	assert.Len(t, events, maxEvents)
	assert.Contains(t, events[len(events)-1], "FV1: target set to 29.0")
}

func TestRunStopDrivesOutputsOff(t *testing.T) {
	r := newRig(t, BangBang)
	r.m.now = time.Now
	beats := make(chan struct{}, 100)
	r.m.OnHeartbeat(func() {
		select {
		case beats <- struct{}{}:
		default:
		}
	})
	r.probes[0].set(17, nil)
	r.m.Start()

	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("control loop did not tick")
	}
	require.Eventually(t, r.heaters[0].state, time.Second, 5*time.Millisecond)

	r.m.Stop()
	assert.False(t, r.heaters[0].state())
	assert.False(t, r.valves[0].state())
	assert.False(t, r.chiller.state())
	assert.False(t, r.pump.state())
}

func TestLoadSettingsRejectsNegativeStep(t *testing.T) {
	c := newTestController(t)
	require.NoError(t, c.Store().CreateBucket(Bucket))
	require.NoError(t, c.Store().Update(Bucket, settingsKey, map[string]interface{}{
		"fermenter_current_step": []int{-2, 1, 0},
	}))

	r := newRigWith(t, c, BangBang)
	for _, v := range r.m.vessels {
		assert.Zero(t, v.step)
	}
}

func TestSkipStepClampsBadStep(t *testing.T) {
	r := newRig(t, BangBang)
	_, err := r.m.AssignProfile(0, "crash")
	require.NoError(t, err)
	require.NoError(t, r.m.SetActive(0, false))
	r.m.vessels[0].step = -2

	var next profile.Step
	require.NotPanics(t, func() { next, err = r.m.SkipStep(0) })
	require.NoError(t, err)
	assert.Equal(t, "Primary", next.Name)

	r.m.vessels[0].step = 7
	_, err = r.m.SkipStep(0)
	assert.ErrorIs(t, err, ErrLastStep)
	assert.Len(t, r.m.Snapshot().Vessels, 3)
}

func TestConcurrentSavesKeepLatestState(t *testing.T) {
	r := newRig(t, BangBang)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.m.SetTarget(0, 10+float64(i)/2))
		}(i)
	}
	wg.Wait()

	var stored Settings
	require.NoError(t, r.c.Store().Get(Bucket, settingsKey, &stored))
	vs, err := r.m.Vessel(0)
	require.NoError(t, err)
	assert.Equal(t, vs.TargetTemp, stored.Targets[0])
}
