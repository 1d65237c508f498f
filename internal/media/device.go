package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Route is a local audio output path.
type Route int

const (
	RouteEarpiece Route = iota
	RouteSpeaker
)

func (r Route) String() string {
	if r == RouteSpeaker {
		return "speaker"
	}
	return "earpiece"
}

// ErrNoOutputSelection is returned by SetSpeaker on devices with a single
// output path.
var ErrNoOutputSelection = errors.New("audio output selection not supported")

// Sink is the platform audio output. Implementations must not block.
type Sink interface {
	Write(route Route, codec Codec, frame []byte) error
}

// DeviceOptions configures a Device.
type DeviceOptions struct {
	// Sink receives all local audio. Nil discards it.
	Sink Sink
	// Selectable reports whether the platform can switch between earpiece
	// and speaker.
	Selectable bool
	// Ringback replaces the generated ringing tone.
	Ringback *Player
}

// Device is the local audio output. It plays the ringing tone while an
// inbound call rings and routes received call audio to the selected output.
type Device struct {
	sink       Sink
	selectable bool
	ringback   *Player
	logger     *slog.Logger

	mu       sync.Mutex
	route    Route
	stopRing context.CancelFunc
	ringDone chan struct{}

	frames     atomic.Uint64
	sinkErrors atomic.Uint64
}

// NewDevice creates a local audio output.
func NewDevice(opts DeviceOptions, logger *slog.Logger) *Device {
	if opts.Sink == nil {
		opts.Sink = discardSink{}
	}
	logger = logger.With("subsystem", "audio-device")
	if opts.Ringback == nil {
		opts.Ringback = NewPlayer(CodecPCMU, Ringback.Frames(CodecPCMU), logger)
	}
	return &Device{
		sink:       opts.Sink,
		selectable: opts.Selectable,
		ringback:   opts.Ringback,
		logger:     logger,
	}
}

// StartRinging plays the ringing tone on the speaker until StopRinging.
func (d *Device) StartRinging(peer string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopRing != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.stopRing = cancel
	d.ringDone = done

	d.logger.Debug("ringing started", "peer", peer)
	go func() {
		defer close(done)
		d.ringback.Loop(ctx, ringSink{d})
	}()
}

// StopRinging stops the ringing tone. It is a no-op when not ringing.
func (d *Device) StopRinging() {
	d.mu.Lock()
	cancel, done := d.stopRing, d.ringDone
	d.stopRing, d.ringDone = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	d.logger.Debug("ringing stopped")
}

// Ringing reports whether the ringing tone is playing.
func (d *Device) Ringing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopRing != nil
}

// SupportsOutputSelection reports whether SetSpeaker can change the route.
func (d *Device) SupportsOutputSelection() bool {
	return d.selectable
}

// SetSpeaker routes call audio to the speaker or back to the earpiece.
func (d *Device) SetSpeaker(on bool) error {
	if !d.selectable {
		return ErrNoOutputSelection
	}
	route := RouteEarpiece
	if on {
		route = RouteSpeaker
	}

	d.mu.Lock()
	d.route = route
	d.mu.Unlock()

	d.logger.Info("audio output changed", "route", route)
	return nil
}

// Route returns the current call audio route.
func (d *Device) Route() Route {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.route
}

// WriteFrame plays received call audio on the current route.
func (d *Device) WriteFrame(codec Codec, frame []byte) {
	d.write(d.Route(), codec, frame)
}

// Frames returns the number of frames written to the sink.
func (d *Device) Frames() uint64 {
	return d.frames.Load()
}

func (d *Device) write(route Route, codec Codec, frame []byte) {
	if err := d.sink.Write(route, codec, frame); err != nil {
		// Only the first failure is logged; a broken sink fails every frame.
		if d.sinkErrors.Add(1) == 1 {
			d.logger.Warn("audio sink write failed", "route", route, "error", err)
		}
		return
	}
	d.frames.Add(1)
}

// ringSink sends the ringing tone to the speaker regardless of the route.
type ringSink struct{ d *Device }

func (s ringSink) WriteFrame(codec Codec, frame []byte) {
	s.d.write(RouteSpeaker, codec, frame)
}

type discardSink struct{}

func (discardSink) Write(Route, Codec, []byte) error { return nil }
