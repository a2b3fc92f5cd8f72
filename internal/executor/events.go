package executor

// EventType discriminates the messages an engine emits while running code.
// The set mirrors what an interpreter naturally produces: interleaved text,
// at most one error trace, at most one trailing-expression result, and a
// terminal marker.
type EventType string

const (
	// EventStream carries a chunk of stdout/stderr text.
	EventStream EventType = "stream"
	// EventResult carries the repr of a trailing expression statement.
	EventResult EventType = "result"
	// EventError carries the formatted traceback of a raised exception.
	EventError EventType = "error"
	// EventArtifact names a file the call wrote under the working
	// directory, relative to it.
	EventArtifact EventType = "artifact"
	// EventDone terminates the stream for one call.
	EventDone EventType = "done"
	// EventReady is emitted once by a freshly launched engine when its
	// interpreter loop is accepting requests.
	EventReady EventType = "ready"
)

// Event is one message in the ordered stream a call produces.
type Event struct {
	Type EventType `json:"type"`
	// Text is the payload for stream, result and error events.
	Text string `json:"text,omitempty"`
	// Path is the payload for artifact events.
	Path string `json:"path,omitempty"`
	// OK is meaningful on done events: false when an error event preceded.
	OK bool `json:"ok,omitempty"`
}
