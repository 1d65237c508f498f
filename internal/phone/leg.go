package phone

import (
	"context"
	"time"

	"github.com/looplab/fsm"
)

const (
	evAnswer    = "answer"
	evHold      = "hold"
	evResume    = "resume"
	evTerminate = "terminate"
)

func newLegFSM(initial SessionState) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: evAnswer, Src: []string{string(StateRinging), string(StateDialing)}, Dst: string(StateEstablished)},
			{Name: evHold, Src: []string{string(StateEstablished)}, Dst: string(StateOnHold)},
			{Name: evResume, Src: []string{string(StateOnHold)}, Dst: string(StateEstablished)},
			{Name: evTerminate, Src: []string{
				string(StateRinging),
				string(StateDialing),
				string(StateEstablished),
				string(StateOnHold),
			}, Dst: string(StateTerminated)},
		},
		nil,
	)
}

// leg is the controller's record of one call leg. It is only touched from
// the controller loop.
type leg struct {
	handle    string
	direction Direction
	peer      string
	call      Call
	fsm       *fsm.FSM

	startedAt     time.Time
	establishedAt time.Time
	duration      int

	muted       bool
	onHold      bool
	wasAnswered bool
	accepting   bool
	referring   bool

	media     MediaStream
	ringTimer Timer
	tickTimer Timer

	// dial context, cancelled to abandon an outbound attempt
	ctx    context.Context
	cancel context.CancelFunc

	consult *leg
}

func (l *leg) state() SessionState {
	return SessionState(l.fsm.Current())
}

func (l *leg) is(states ...SessionState) bool {
	cur := l.state()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

func (l *leg) fire(event string) error {
	return l.fsm.Event(context.Background(), event)
}

func (l *leg) sendEnabled() bool {
	return !l.muted && !l.onHold
}

func (l *leg) applyMedia() {
	if l.media != nil {
		l.media.SetSendEnabled(l.sendEnabled())
	}
}

func (l *leg) stopTimers() {
	if l.ringTimer != nil {
		l.ringTimer.Stop()
		l.ringTimer = nil
	}
	if l.tickTimer != nil {
		l.tickTimer.Stop()
		l.tickTimer = nil
	}
}

func (l *leg) view() *CallSession {
	cs := &CallSession{
		Handle:          l.handle,
		CallID:          l.call.ID(),
		Direction:       l.direction,
		PeerIdentifier:  l.peer,
		State:           l.state(),
		StartedAt:       l.startedAt,
		DurationSeconds: l.duration,
		Muted:           l.muted,
		OnHold:          l.onHold,
		WasAnswered:     l.wasAnswered,
	}
	if !l.establishedAt.IsZero() {
		t := l.establishedAt
		cs.EstablishedAt = &t
	}
	if l.consult != nil {
		cs.TransferContext = l.consult.view()
	}
	return cs
}

func (l *leg) summary(now time.Time, d Disposition) CallSummary {
	s := CallSummary{
		Handle:          l.handle,
		CallID:          l.call.ID(),
		Direction:       l.direction,
		Peer:            l.peer,
		StartedAt:       l.startedAt,
		EndedAt:         now,
		DurationSeconds: l.duration,
		Disposition:     d,
		Missed:          d == DispositionMissed || d == DispositionRejected,
	}
	if !l.establishedAt.IsZero() {
		t := l.establishedAt
		s.AnsweredAt = &t
	}
	return s
}
