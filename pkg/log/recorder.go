package log

import (
	"time"
)

// MaxFrameDataSize is the largest frame payload copied into a capture event.
// Larger frames are truncated.
const MaxFrameDataSize = 4096

// Recorder stamps events with the protocol name and forwards them to a
// Logger. A nil *Recorder or one built from a nil Logger records nothing.
type Recorder struct {
	logger   Logger
	protocol string
}

// NewRecorder creates a Recorder for one protocol front-end.
func NewRecorder(logger Logger, protocol string) *Recorder {
	if logger == nil {
		logger = NoopLogger{}
	}
	return &Recorder{logger: logger, protocol: protocol}
}

// Enabled reports whether events go anywhere.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	_, noop := r.logger.(NoopLogger)
	return !noop
}

// Protocol returns the protocol name stamped on events.
func (r *Recorder) Protocol() string {
	if r == nil {
		return ""
	}
	return r.protocol
}

func (r *Recorder) emit(event Event) {
	event.Timestamp = time.Now()
	event.Protocol = r.protocol
	r.logger.Log(event)
}

// Frame records raw bytes seen on a connection.
func (r *Recorder) Frame(connID, remote string, dir Direction, data []byte) {
	if !r.Enabled() {
		return
	}
	fe := &FrameEvent{Size: len(data), Data: data}
	if len(data) > MaxFrameDataSize {
		fe.Data = data[:MaxFrameDataSize]
		fe.Truncated = true
	}
	// Copy: callers reuse their buffers.
	fe.Data = append([]byte(nil), fe.Data...)
	r.emit(Event{
		ConnectionID: connID,
		RemoteAddr:   remote,
		Direction:    dir,
		Layer:        LayerTransport,
		Category:     CategoryMessage,
		Frame:        fe,
	})
}

// Request records a decoded request and the status it was answered with.
func (r *Recorder) Request(connID, remote string, req RequestEvent) {
	if !r.Enabled() {
		return
	}
	r.emit(Event{
		ConnectionID: connID,
		RemoteAddr:   remote,
		Direction:    DirectionIn,
		Layer:        LayerProtocol,
		Category:     CategoryMessage,
		Request:      &req,
	})
}

// State records a connection or session transition.
func (r *Recorder) State(connID, remote string, entity StateEntity, oldState, newState, reason string) {
	if !r.Enabled() {
		return
	}
	r.emit(Event{
		ConnectionID: connID,
		RemoteAddr:   remote,
		Layer:        LayerTransport,
		Category:     CategoryState,
		StateChange: &StateChangeEvent{
			Entity:   entity,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// Error records an error at the given layer.
func (r *Recorder) Error(connID, remote string, layer Layer, err error, context string) {
	if !r.Enabled() || err == nil {
		return
	}
	r.emit(Event{
		ConnectionID: connID,
		RemoteAddr:   remote,
		Layer:        layer,
		Category:     CategoryError,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: context,
		},
	})
}
