package cy

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds the API can report, wrapped with
// errors.Is-able context via fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidArgument covers empty/too-long topic names, a nil platform
	// and a zero UID. A Config.NodeID outside [0, node_id_max] is not
	// rejected: New falls back to automatic node-ID allocation.
	ErrInvalidArgument = errors.New("cy: invalid argument")

	// ErrCapacity covers exhaustion: no room for a new topic-transport
	// object, the transfer-id window exhausted on a publish-with-future,
	// or the topic count already at the subject-ID space limit (6144).
	ErrCapacity = errors.New("cy: capacity exceeded")

	// ErrDuplicateName is returned when a new topic's hash collides with
	// an existing local topic's hash (the by-hash index already has this
	// key).
	ErrDuplicateName = errors.New("cy: topic name is not unique")

	// ErrTransport wraps a platform call that returned an error; the
	// underlying error is preserved via %w.
	ErrTransport = errors.New("cy: transport error")

	// ErrAnonymous is returned by Publish when the local node has no
	// node-ID yet and the platform requires one to transmit.
	ErrAnonymous = errors.New("cy: no local node-ID assigned")
)

func argErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

