package report

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/user/herald-blue/datatype"
	"github.com/user/herald-blue/util"
)

// EventKind names a sensor delegate callback
type EventKind string

const (
	EventDetect             EventKind = "detect"
	EventRead               EventKind = "read"
	EventShare              EventKind = "share"
	EventMeasure            EventKind = "measure"
	EventMeasureWithPayload EventKind = "measureWithPayload"
	EventState              EventKind = "state"
	EventReceive            EventKind = "receive"
)

// Event is one delegate callback as the recorder saw it
type Event struct {
	At     time.Time
	Kind   EventKind
	Target datatype.TargetIdentifier
	Detail string
}

// PeerSummary aggregates the events of one target
type PeerSummary struct {
	Target   datatype.TargetIdentifier
	Counts   map[EventKind]int
	Payloads []datatype.PayloadData
	LastRSSI float64
	Measured bool
}

// Recorder implements every sensor delegate capability. It keeps each
// event and, when given a writer, prints a coloured line per event.
type Recorder struct {
	out io.Writer
	now func() time.Time

	mu     sync.Mutex
	events []Event
	peers  map[datatype.TargetIdentifier]*PeerSummary
	states []datatype.SensorState
}

var (
	detectColor  = color.New(color.FgHiCyan)
	readColor    = color.New(color.FgHiGreen)
	shareColor   = color.New(color.FgHiMagenta)
	measureColor = color.New(color.FgHiBlue)
	stateColor   = color.New(color.FgHiYellow)
	receiveColor = color.New(color.FgHiWhite)
)

// NewRecorder creates a recorder. out may be nil to record silently.
func NewRecorder(out io.Writer) *Recorder {
	return &Recorder{
		out:   out,
		now:   time.Now,
		peers: make(map[datatype.TargetIdentifier]*PeerSummary),
	}
}

func (r *Recorder) record(kind EventKind, target datatype.TargetIdentifier, detail string, update func(*PeerSummary)) {
	r.mu.Lock()
	event := Event{At: r.now(), Kind: kind, Target: target, Detail: detail}
	r.events = append(r.events, event)
	if target != "" {
		peer, ok := r.peers[target]
		if !ok {
			peer = &PeerSummary{Target: target, Counts: make(map[EventKind]int)}
			r.peers[target] = peer
		}
		peer.Counts[kind]++
		if update != nil {
			update(peer)
		}
	}
	r.mu.Unlock()

	r.print(event)
}

func (r *Recorder) print(event Event) {
	if r.out == nil {
		return
	}
	c := receiveColor
	switch event.Kind {
	case EventDetect:
		c = detectColor
	case EventRead:
		c = readColor
	case EventShare:
		c = shareColor
	case EventMeasure, EventMeasureWithPayload:
		c = measureColor
	case EventState:
		c = stateColor
	}
	target := ""
	if event.Target != "" {
		target = " " + util.ShortID(string(event.Target))
	}
	fmt.Fprintf(r.out, "%s %s%s %s\n", event.At.Format("15:04:05.000"), c.Sprintf("%-18s", event.Kind), target, event.Detail)
}

func (r *Recorder) SensorDidDetect(sensor datatype.SensorType, didDetect datatype.TargetIdentifier) {
	r.record(EventDetect, didDetect, string(sensor), nil)
}

func (r *Recorder) SensorDidRead(sensor datatype.SensorType, didRead datatype.PayloadData, fromTarget datatype.TargetIdentifier) {
	payload := append(datatype.PayloadData(nil), didRead...)
	r.record(EventRead, fromTarget, "payload="+payload.ShortName(), func(p *PeerSummary) {
		p.Payloads = append(p.Payloads, payload)
	})
}

func (r *Recorder) SensorDidShare(sensor datatype.SensorType, didShare []datatype.PayloadData, fromTarget datatype.TargetIdentifier) {
	r.record(EventShare, fromTarget, fmt.Sprintf("payloads=%d", len(didShare)), nil)
}

func (r *Recorder) SensorDidMeasure(sensor datatype.SensorType, didMeasure datatype.Proximity, fromTarget datatype.TargetIdentifier) {
	r.record(EventMeasure, fromTarget, didMeasure.String(), func(p *PeerSummary) {
		p.LastRSSI = didMeasure.Value
		p.Measured = true
	})
}

func (r *Recorder) SensorDidMeasureWithPayload(sensor datatype.SensorType, didMeasure datatype.Proximity, fromTarget datatype.TargetIdentifier, withPayload datatype.PayloadData) {
	r.record(EventMeasureWithPayload, fromTarget, didMeasure.String()+" payload="+withPayload.ShortName(), nil)
}

func (r *Recorder) SensorDidUpdateState(sensor datatype.SensorType, didUpdateState datatype.SensorState) {
	r.mu.Lock()
	r.states = append(r.states, didUpdateState)
	r.mu.Unlock()
	r.record(EventState, "", didUpdateState.String(), nil)
}

func (r *Recorder) SensorDidReceive(sensor datatype.SensorType, didReceive datatype.Data, fromTarget datatype.TargetIdentifier) {
	r.record(EventReceive, fromTarget, fmt.Sprintf("%d bytes", didReceive.Len()), nil)
}

// Events returns a copy of every recorded event in arrival order
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// States returns the sensor states seen so far
func (r *Recorder) States() []datatype.SensorState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]datatype.SensorState(nil), r.states...)
}

// Count is the number of events of kind
func (r *Recorder) Count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Peers returns a summary per target, sorted by identifier
func (r *Recorder) Peers() []PeerSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]PeerSummary, 0, len(r.peers))
	for _, p := range r.peers {
		copied := *p
		copied.Counts = make(map[EventKind]int, len(p.Counts))
		for k, v := range p.Counts {
			copied.Counts[k] = v
		}
		copied.Payloads = append([]datatype.PayloadData(nil), p.Payloads...)
		peers = append(peers, copied)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Target < peers[j].Target })
	return peers
}
