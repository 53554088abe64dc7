package wire

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Sentinel errors surfaced across the wire as Envelope.ErrCode, so a
// remote caller can distinguish them without parsing ErrMsg text.
var (
	ErrInvalidName    = errors.New("wire: invalid name")
	ErrUnknownWorker  = errors.New("wire: unknown worker")
	ErrUnknownInstance = errors.New("wire: unknown instance")
	ErrNotRegistered   = errors.New("wire: instance not registered")
	ErrTerminateProcess = errors.New("wire: registration rejected, terminate process")
	ErrParseError      = errors.New("wire: syslog parse error")
	ErrTransport       = errors.New("wire: transport closed")
	ErrPeerGone        = errors.New("wire: peer gone")
)

// AlreadyRunning is returned by run() when the worker descriptor is
// singleton-only and an instance is already live; ExistingID lets the
// caller retrieve the running instance instead of starting a second one.
type AlreadyRunning struct {
	ExistingID int64
}

func (e *AlreadyRunning) Error() string {
	return fmt.Sprintf("wire: worker already running: existing_id=%d", e.ExistingID)
}

// codeForError maps a known sentinel to the short code sent on the wire.
// Unrecognized errors get ErrMsg only, with ErrCode left empty.
func codeForError(err error) string {
	switch {
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrUnknownWorker):
		return "unknown_worker"
	case errors.Is(err, ErrUnknownInstance):
		return "unknown_instance"
	case errors.Is(err, ErrNotRegistered):
		return "not_registered"
	case errors.Is(err, ErrTerminateProcess):
		return "terminate_process"
	case errors.Is(err, ErrParseError):
		return "parse_error"
	case errors.Is(err, ErrPeerGone):
		return "peer_gone"
	}
	var already *AlreadyRunning
	if errors.As(err, &already) {
		return "already_running"
	}
	return ""
}

// errorForCode reconstructs a sentinel from a wire error code, for
// callers that want errors.Is to work across the network boundary.
func errorForCode(code, msg string) error {
	switch code {
	case "invalid_name":
		return ErrInvalidName
	case "unknown_worker":
		return ErrUnknownWorker
	case "unknown_instance":
		return ErrUnknownInstance
	case "not_registered":
		return ErrNotRegistered
	case "terminate_process":
		return ErrTerminateProcess
	case "parse_error":
		return ErrParseError
	case "peer_gone":
		return ErrPeerGone
	case "already_running":
		return &AlreadyRunning{ExistingID: parseExistingID(msg)}
	default:
		return errors.New(msg)
	}
}

// parseExistingID recovers the id embedded in AlreadyRunning.Error()'s
// "existing_id=N" suffix, so a remote caller gets the same ExistingID a
// local one would.
func parseExistingID(msg string) int64 {
	const marker = "existing_id="
	idx := strings.Index(msg, marker)
	if idx < 0 {
		return 0
	}
	n, _ := strconv.ParseInt(msg[idx+len(marker):], 10, 64)
	return n
}
