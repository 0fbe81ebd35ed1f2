package conn

// State is a step of the connection lifecycle. States only move forward.
type State uint8

const (
	StateAccepted State = iota
	StateReading
	StateParsed
	StateResolving
	StateResolved
	StateWriting
	StateClosing
	StateClosed
)

var stateNames = [...]string{
	StateAccepted:  "accepted",
	StateReading:   "reading",
	StateParsed:    "parsed",
	StateResolving: "resolving",
	StateResolved:  "resolved",
	StateWriting:   "writing",
	StateClosing:   "closing",
	StateClosed:    "closed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// EventKind identifies a completion delivered to a connection.
type EventKind uint8

const (
	// EventRead carries a chunk of request bytes.
	EventRead EventKind = iota
	// EventEOF reports the peer finished sending, for endpoints that surface
	// EOF apart from the close. gnet does not: a peer EOF arrives as
	// EventClosed while reading and is handled the same way.
	EventEOF
	// EventReadError reports a failed read.
	EventReadError
	// EventResolved carries the resource produced by the resolver.
	EventResolved
	// EventWritten reports completion of the response write.
	EventWritten
	// EventClosed reports that the socket is closed, whoever closed it.
	EventClosed
)

var eventNames = [...]string{
	EventRead:      "read",
	EventEOF:       "eof",
	EventReadError: "read-error",
	EventResolved:  "resolved",
	EventWritten:   "written",
	EventClosed:    "closed",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Reason records why a connection was closed.
type Reason uint8

const (
	ReasonNone Reason = iota
	// ReasonDone means a response was written.
	ReasonDone
	// ReasonPeerEOF means the peer went away before the request line was complete.
	ReasonPeerEOF
	ReasonParseError
	ReasonReadError
	ReasonWriteError
	// ReasonAborted means the socket went away while resolving or writing.
	ReasonAborted
)

var reasonNames = [...]string{
	ReasonNone:       "none",
	ReasonDone:       "done",
	ReasonPeerEOF:    "peer_eof",
	ReasonParseError: "parse_error",
	ReasonReadError:  "read_error",
	ReasonWriteError: "write_error",
	ReasonAborted:    "aborted",
}

func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}
