package cy

// FutureState is the lifecycle state of a Future.
type FutureState int

const (
	FuturePending FutureState = iota
	FutureSuccess
	FutureFailure
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureSuccess:
		return "success"
	case FutureFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// Future tracks the expectation of at most one reply to a specific
// outbound publish. The caller allocates a Future value (typically a
// pointer to a zero-value struct) and passes it to Cy.Publish; the core
// fills it in, and it is cleared (state set and indices removed) on
// success, failure, cancellation, or timeout.
type Future struct {
	topic            *Topic
	transferIDMasked uint64
	deadline         Microseconds
	state            FutureState
	lastResponse     *Transfer

	// Callback, if set, fires exactly once when the future leaves the
	// Pending state (success or timeout -- NOT on Cancel, which is a
	// synchronous caller-driven action).
	Callback func(*Future)
	User     any

	inIndices      bool
	deadlineHandle Handle[Microseconds, *Future]
	transferHandle Handle[uint64, *Future]
}

// Topic returns the future's owning topic.
func (f *Future) Topic() *Topic { return f.topic }

// State returns the future's current lifecycle state.
func (f *Future) State() FutureState { return f.state }

// Deadline returns the absolute response deadline.
func (f *Future) Deadline() Microseconds { return f.deadline }

// LastResponse returns the transfer that resolved this future, if any.
// Ownership of the payload passes to the caller; release it explicitly.
func (f *Future) LastResponse() *Transfer { return f.lastResponse }

// Cancel synchronously removes a Pending future from both indices and
// leaves it in the Pending state for the caller to observe or reuse.
// It is a no-op if the future is not currently indexed.
//
// Both indices are removed by handle rather than by key search: deadlines
// and masked transfer-IDs can collide across futures, so a key-based
// removal could hit a sibling instead of this exact future. The handles
// were captured when Publish inserted the future and stay valid until the
// entry is removed.
func (f *Future) Cancel() {
	if f == nil || !f.inIndices {
		return
	}
	f.topic.cy.futuresByDeadline.Remove(f.deadlineHandle)
	f.topic.futuresByTransferID.Remove(f.transferHandle)
	f.inIndices = false
}
