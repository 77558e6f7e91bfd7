package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// Poller fetches device data from the cloud API, already normalized to the
// canonical Update shape.
type Poller interface {
	Device(ctx context.Context, deviceID string) (Update, error)
	Telemetry(ctx context.Context, deviceID string) (Update, error)
	Firmware(ctx context.Context, deviceID string) (Update, error)
}

// Synchronizer keeps one device's snapshot current. A timer-driven poll
// provides the periodic full-state baseline; push deliveries merge through
// HandlePush as higher-urgency partial deltas. Both paths write the same
// store.
type Synchronizer struct {
	deviceID      string
	api           Poller
	store         *Store
	interval      time.Duration
	firmwareEvery int
	log           *slog.Logger

	cycle   int
	cancel  context.CancelFunc
	stopped chan struct{}
	running atomic.Bool
}

// NewSynchronizer creates a synchronizer for one device. firmwareEvery is the
// poll-cycle cadence for the secondary firmware fetch.
func NewSynchronizer(deviceID string, api Poller, store *Store, interval time.Duration, firmwareEvery int, log *slog.Logger) *Synchronizer {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if firmwareEvery <= 0 {
		firmwareEvery = 60
	}
	return &Synchronizer{
		deviceID:      deviceID,
		api:           api,
		store:         store,
		interval:      interval,
		firmwareEvery: firmwareEvery,
		log:           log.With("device_id", deviceID),
	}
}

// Start begins the poll loop. The first cycle runs immediately.
func (y *Synchronizer) Start(ctx context.Context) error {
	if y.running.Load() {
		return fmt.Errorf("device: synchronizer already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	y.cancel = cancel
	y.stopped = make(chan struct{})
	y.running.Store(true)

	go y.runLoop(ctx)
	return nil
}

// Stop halts the poll loop.
func (y *Synchronizer) Stop() {
	if !y.running.Load() {
		return
	}
	y.cancel()
	<-y.stopped
	y.running.Store(false)
}

// HandlePush merges a push delta into the snapshot immediately.
func (y *Synchronizer) HandlePush(upd Update) {
	if upd.Empty() {
		y.log.Debug("push delta carried no known fields, ignoring")
		return
	}
	y.store.Apply(y.deviceID, upd)
	y.log.Debug("push delta merged")
}

func (y *Synchronizer) runLoop(ctx context.Context) {
	defer close(y.stopped)

	ticker := time.NewTicker(y.interval)
	defer ticker.Stop()

	y.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			y.pollOnce(ctx)
		}
	}
}

// pollOnce runs one poll cycle. A failing cycle logs a warning and leaves the
// previous snapshot unchanged; the loop keeps its schedule regardless.
func (y *Synchronizer) pollOnce(ctx context.Context) {
	cycle := y.cycle
	y.cycle++

	var stateUpd, telemetryUpd Update

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, err := y.api.Device(gctx, y.deviceID)
		if err != nil {
			return fmt.Errorf("device state: %w", err)
		}
		stateUpd = u
		return nil
	})
	g.Go(func() error {
		u, err := y.api.Telemetry(gctx, y.deviceID)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		telemetryUpd = u
		return nil
	})

	if err := g.Wait(); err != nil {
		y.log.Warn("poll cycle failed, keeping previous snapshot", "cycle", cycle, "error", err)
		return
	}

	y.store.Apply(y.deviceID, stateUpd)
	y.store.Apply(y.deviceID, telemetryUpd)

	// Cycle 0 counts as a firmware cycle.
	if cycle%y.firmwareEvery == 0 {
		fw, err := y.api.Firmware(ctx, y.deviceID)
		if err != nil {
			y.log.Warn("firmware poll failed", "cycle", cycle, "error", err)
			return
		}
		y.store.Apply(y.deviceID, fw)
	}
}
