package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePoller struct {
	mu            sync.Mutex
	deviceCalls   int
	telemCalls    int
	firmwareCalls []int // cycle index of each firmware fetch, by call order
	deviceErr     error
	telemErr      error
	firmwareErr   error
	device        Update
	telemetry     Update
	firmware      Update
}

func (p *fakePoller) Device(context.Context, string) (Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deviceCalls++
	if p.deviceErr != nil {
		return Update{}, p.deviceErr
	}
	return p.device, nil
}

func (p *fakePoller) Telemetry(context.Context, string) (Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.telemCalls++
	if p.telemErr != nil {
		return Update{}, p.telemErr
	}
	return p.telemetry, nil
}

func (p *fakePoller) Firmware(context.Context, string) (Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.firmwareCalls = append(p.firmwareCalls, p.deviceCalls-1)
	if p.firmwareErr != nil {
		return Update{}, p.firmwareErr
	}
	return p.firmware, nil
}

func (p *fakePoller) counts() (device, telemetry, firmware int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deviceCalls, p.telemCalls, len(p.firmwareCalls)
}

func newTestStore() *Store {
	return NewStore(NewEventBus(testLogger()), testLogger())
}

func TestSynchronizer_FirstCycleMergesBothFetches(t *testing.T) {
	poller := &fakePoller{
		device:    Update{Valve: ptr(ValveOpen), Online: ptr(true)},
		telemetry: Update{TemperatureF: ptr(70.0), FlowRate: ptr(1.2)},
		firmware:  Update{Firmware: ptr("6.1.2")},
	}
	store := newTestStore()
	syn := NewSynchronizer("dev-1", poller, store, time.Hour, 60, testLogger())

	require.NoError(t, syn.Start(context.Background()))
	defer syn.Stop()

	require.Eventually(t, func() bool {
		snap, ok := store.Get("dev-1")
		return ok && snap.Firmware != nil
	}, time.Second, time.Millisecond)

	snap, _ := store.Get("dev-1")
	assert.Equal(t, ValveOpen, *snap.Valve)
	assert.True(t, *snap.Online)
	assert.Equal(t, 70.0, *snap.TemperatureF)
	assert.Equal(t, 1.2, *snap.FlowRate)
	assert.Equal(t, "6.1.2", *snap.Firmware, "cycle 0 includes the firmware fetch")
}

func TestSynchronizer_FailedCycleKeepsSnapshotAndSchedule(t *testing.T) {
	poller := &fakePoller{
		device:    Update{Online: ptr(true)},
		telemetry: Update{PressurePSI: ptr(60.0)},
	}
	store := newTestStore()
	store.Apply("dev-1", Update{TemperatureF: ptr(68.0)})

	syn := NewSynchronizer("dev-1", poller, store, 5*time.Millisecond, 1000, testLogger())

	poller.mu.Lock()
	poller.telemErr = errors.New("upstream 503")
	poller.mu.Unlock()

	require.NoError(t, syn.Start(context.Background()))
	defer syn.Stop()

	// Several cycles fail; the loop must keep polling on schedule.
	require.Eventually(t, func() bool {
		_, telem, _ := poller.counts()
		return telem >= 3
	}, time.Second, time.Millisecond)

	snap, ok := store.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, 68.0, *snap.TemperatureF, "failed cycles leave the snapshot untouched")
	assert.Nil(t, snap.PressurePSI)
	assert.Nil(t, snap.Online)

	// Once the upstream recovers the very next cycle merges normally.
	poller.mu.Lock()
	poller.telemErr = nil
	poller.mu.Unlock()

	require.Eventually(t, func() bool {
		snap, _ := store.Get("dev-1")
		return snap.PressurePSI != nil
	}, time.Second, time.Millisecond)
}

func TestSynchronizer_FirmwareCadence(t *testing.T) {
	poller := &fakePoller{firmware: Update{Firmware: ptr("6.1.2")}}
	store := newTestStore()
	syn := NewSynchronizer("dev-1", poller, store, 5*time.Millisecond, 3, testLogger())

	require.NoError(t, syn.Start(context.Background()))

	require.Eventually(t, func() bool {
		device, _, _ := poller.counts()
		return device >= 8
	}, 2*time.Second, time.Millisecond)
	syn.Stop()

	poller.mu.Lock()
	cycles := append([]int(nil), poller.firmwareCalls...)
	poller.mu.Unlock()

	require.GreaterOrEqual(t, len(cycles), 3)
	assert.Equal(t, []int{0, 3, 6}, cycles[:3], "firmware fetched on cycles 0, 3, 6 with cadence 3")
}

func TestSynchronizer_FirmwareFailureOnlyWarns(t *testing.T) {
	poller := &fakePoller{
		device:      Update{Online: ptr(true)},
		firmwareErr: errors.New("firmware endpoint down"),
	}
	store := newTestStore()
	syn := NewSynchronizer("dev-1", poller, store, time.Hour, 1, testLogger())

	require.NoError(t, syn.Start(context.Background()))
	defer syn.Stop()

	require.Eventually(t, func() bool {
		snap, ok := store.Get("dev-1")
		return ok && snap.Online != nil
	}, time.Second, time.Millisecond)

	snap, _ := store.Get("dev-1")
	assert.True(t, *snap.Online, "state and telemetry merge even when the firmware fetch fails")
	assert.Nil(t, snap.Firmware)
}

func TestSynchronizer_HandlePushMergesImmediately(t *testing.T) {
	store := newTestStore()
	syn := NewSynchronizer("dev-1", &fakePoller{}, store, time.Hour, 60, testLogger())

	syn.HandlePush(Update{Valve: ptr(ValveClosed)})

	snap, ok := store.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, ValveClosed, *snap.Valve)
}

func TestSynchronizer_HandlePushIgnoresEmptyUpdate(t *testing.T) {
	store := newTestStore()
	syn := NewSynchronizer("dev-1", &fakePoller{}, store, time.Hour, 60, testLogger())

	syn.HandlePush(Update{})

	_, ok := store.Get("dev-1")
	assert.False(t, ok, "an empty delta creates no snapshot")
}

func TestSynchronizer_StartTwiceFails(t *testing.T) {
	syn := NewSynchronizer("dev-1", &fakePoller{}, newTestStore(), time.Hour, 60, testLogger())

	require.NoError(t, syn.Start(context.Background()))
	defer syn.Stop()

	assert.Error(t, syn.Start(context.Background()))
}

func TestSynchronizer_StopIsSafeWhenNeverStarted(t *testing.T) {
	syn := NewSynchronizer("dev-1", &fakePoller{}, newTestStore(), time.Hour, 60, testLogger())
	syn.Stop()
}
