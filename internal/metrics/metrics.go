package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowpbx/flowphone/internal/database"
	"github.com/flowpbx/flowphone/internal/phone"
	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotProvider exposes the phone read model.
type SnapshotProvider interface {
	Snapshot() phone.Snapshot
}

// DialogCounter exposes SIP user agent counters.
type DialogCounter interface {
	ActiveCalls() int
	BlockedSources() int
}

// MediaStatsProvider exposes RTP session and audio output counters.
type MediaStatsProvider interface {
	Count() int
}

// FrameCounter returns the number of audio frames written to the output
// device.
type FrameCounter interface {
	Frames() uint64
}

// OutcomeCounter returns stored call counts grouped by outcome.
type OutcomeCounter interface {
	CountByOutcome(ctx context.Context) ([]database.OutcomeCount, error)
}

// Providers groups the sources a Collector reads at scrape time. Any of them
// may be nil.
type Providers struct {
	Phone   SnapshotProvider
	Dialogs DialogCounter
	Media   MediaStatsProvider
	Frames  FrameCounter
	Calls   OutcomeCounter
}

// Collector is a prometheus.Collector that gathers phone metrics at scrape
// time.
type Collector struct {
	p         Providers
	startTime time.Time
	logger    *slog.Logger

	registeredDesc   *prometheus.Desc
	callActiveDesc   *prometheus.Desc
	callDurationDesc *prometheus.Desc
	mutedDesc        *prometheus.Desc
	onHoldDesc       *prometheus.Desc
	dialogsDesc      *prometheus.Desc
	blockedDesc      *prometheus.Desc
	rtpSessionsDesc  *prometheus.Desc
	audioFramesDesc  *prometheus.Desc
	callsTotalDesc   *prometheus.Desc
	missedTotalDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time, logger *slog.Logger) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,
		logger:    logger.With("subsystem", "metrics"),

		registeredDesc: prometheus.NewDesc(
			"flowphone_registered",
			"Whether the line is registered with the PBX (1=registered)",
			nil, nil,
		),
		callActiveDesc: prometheus.NewDesc(
			"flowphone_call_active",
			"Whether a call is ringing, dialing or in progress",
			nil, nil,
		),
		callDurationDesc: prometheus.NewDesc(
			"flowphone_call_duration_seconds",
			"Talk time of the current call",
			nil, nil,
		),
		mutedDesc: prometheus.NewDesc(
			"flowphone_call_muted",
			"Whether the microphone is muted on the current call",
			nil, nil,
		),
		onHoldDesc: prometheus.NewDesc(
			"flowphone_call_on_hold",
			"Whether the current call is on hold",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"flowphone_sip_dialogs",
			"Number of SIP dialogs tracked by the user agent",
			nil, nil,
		),
		blockedDesc: prometheus.NewDesc(
			"flowphone_sip_blocked_sources",
			"Number of addresses whose INVITEs are dropped after repeated rejections",
			nil, nil,
		),
		rtpSessionsDesc: prometheus.NewDesc(
			"flowphone_rtp_sessions_active",
			"Number of active RTP media sessions",
			nil, nil,
		),
		audioFramesDesc: prometheus.NewDesc(
			"flowphone_audio_frames_total",
			"Audio frames written to the output device",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"flowphone_calls_total",
			"Total number of finished calls (from call history)",
			[]string{"direction", "disposition"}, nil,
		),
		missedTotalDesc: prometheus.NewDesc(
			"flowphone_missed_calls_total",
			"Total number of calls that rang out or were rejected (from call history)",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"flowphone_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.registeredDesc
	ch <- c.callActiveDesc
	ch <- c.callDurationDesc
	ch <- c.mutedDesc
	ch <- c.onHoldDesc
	ch <- c.dialogsDesc
	ch <- c.blockedDesc
	ch <- c.rtpSessionsDesc
	ch <- c.audioFramesDesc
	ch <- c.callsTotalDesc
	ch <- c.missedTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.p.Phone != nil {
		snap := c.p.Phone.Snapshot()
		gauge := func(desc *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
		}
		gauge(c.registeredDesc, boolValue(snap.Registration == phone.RegistrationRegistered))
		gauge(c.callActiveDesc, boolValue(snap.PeerID != "" || snap.IncomingCallerID != ""))
		gauge(c.callDurationDesc, float64(snap.CallDurationSeconds))
		gauge(c.mutedDesc, boolValue(snap.IsMuted))
		gauge(c.onHoldDesc, boolValue(snap.IsOnHold))
	}

	if c.p.Dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dialogsDesc, prometheus.GaugeValue,
			float64(c.p.Dialogs.ActiveCalls()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.blockedDesc, prometheus.GaugeValue,
			float64(c.p.Dialogs.BlockedSources()),
		)
	}

	if c.p.Media != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rtpSessionsDesc, prometheus.GaugeValue,
			float64(c.p.Media.Count()),
		)
	}

	if c.p.Frames != nil {
		ch <- prometheus.MustNewConstMetric(
			c.audioFramesDesc, prometheus.CounterValue,
			float64(c.p.Frames.Frames()),
		)
	}

	if c.p.Calls != nil {
		counts, err := c.p.Calls.CountByOutcome(ctx)
		if err != nil {
			c.logger.Error("failed to count calls by outcome", "error", err)
		} else {
			var missed int64
			for _, oc := range counts {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(oc.Count), oc.Direction, oc.Disposition,
				)
				if oc.Disposition == string(phone.DispositionMissed) || oc.Disposition == string(phone.DispositionRejected) {
					missed += oc.Count
				}
			}
			ch <- prometheus.MustNewConstMetric(
				c.missedTotalDesc, prometheus.CounterValue, float64(missed),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
