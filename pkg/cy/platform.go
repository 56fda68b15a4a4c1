package cy

// Microseconds is an absolute or relative monotonic timestamp, signed so
// that "deadline in the past" is a legal, meaningful value.
type Microseconds int64

// Buffer is an owned payload chain handed to the application (as a
// subscription's last transfer or a future's response) or released back to
// the platform. Release is idempotent, matching the linear-resource model
// in the design notes: a fresh assignment into a slot implicitly releases
// whatever occupied it first.
type Buffer struct {
	Data    []byte
	release func()
}

// NewBuffer wraps data with an optional release callback; release may be
// nil for platforms (like the in-memory test double) that don't pool
// memory.
func NewBuffer(data []byte, release func()) *Buffer {
	return &Buffer{Data: data, release: release}
}

// Release frees the buffer exactly once; safe to call on a nil Buffer or
// an already-released one.
func (b *Buffer) Release() {
	if b == nil {
		return
	}
	if b.release != nil {
		b.release()
		b.release = nil
	}
	b.Data = nil
}

// View is a borrowed, possibly-chained payload fragment handed to the
// platform on publish/respond. Chaining lets Respond prepend its topic-
// hash header without copying the caller's payload.
type View struct {
	Data []byte
	Next *View
}

// Size returns the total length across every fragment in the chain.
func (v *View) Size() int {
	total := 0
	for f := v; f != nil; f = f.Next {
		total += len(f.Data)
	}
	return total
}

// Gather copies up to len(dest) bytes from the chain into dest, returning
// the number of bytes copied.
func (v *View) Gather(dest []byte) int {
	n := 0
	for f := v; f != nil && n < len(dest); f = f.Next {
		c := copy(dest[n:], f.Data)
		n += c
	}
	return n
}

// TransferMetadata describes the envelope of an inbound or outbound
// transfer, as much as the core needs to know about it.
type TransferMetadata struct {
	RemoteNodeID uint16
	TransferID   uint64
}

// Transfer is a reassembled inbound transfer, payload owned by the core
// until passed to the application or released.
type Transfer struct {
	Metadata  TransferMetadata
	Timestamp Microseconds
	Payload   *Buffer
}

// Platform is the fixed set of operations the core requires from its
// transport/environment host. It deliberately excludes framing,
// reassembly, multicast sockets, and memory pools -- those are the
// transport's problem, not the core's.
type Platform interface {
	// Now returns a monotonic, non-negative, strictly non-decreasing
	// microsecond clock reading.
	Now() Microseconds

	// PRNG returns a 64-bit pseudo-random value; quality need not be
	// cryptographic, but it must differ across reboots less than 10s
	// apart. The core always mixes the result with the local UID.
	PRNG() uint64

	// NodeIDSet installs node-ID cy.NodeID() in the transport. Fallible.
	NodeIDSet(cy *Cy) error
	// NodeIDClear removes the local node-ID from the transport. Infallible.
	NodeIDClear(cy *Cy)
	// NodeIDBloom returns the mutable, borrowed occupancy filter; its bit
	// count must be a positive multiple of 64.
	NodeIDBloom(cy *Cy) *Bloom

	// Request sends one RPC request transfer (used only by Respond, to
	// serviceID RPCServiceIDTopicResponse).
	Request(cy *Cy, serviceID uint16, meta TransferMetadata, deadline Microseconds, payload *View) error

	// TopicNew/TopicDestroy allocate and free any transport-specific
	// state a topic needs; TopicNew may fail (e.g. out of transport
	// topic-table slots), in which case ErrCapacity is returned to the
	// caller of Cy.Topic.
	TopicNew(topic *Topic) error
	TopicDestroy(topic *Topic)

	// TopicPublish emits one transfer; the core manages the transfer-ID.
	TopicPublish(topic *Topic, deadline Microseconds, payload *View) error
	// TopicSubscribe/TopicUnsubscribe (un)activate the transport receive
	// path at the topic's *current* subject-ID. Subscribe is fallible,
	// unsubscribe is not.
	TopicSubscribe(topic *Topic) error
	TopicUnsubscribe(topic *Topic)
	// TopicHandleResubscriptionError notifies the application that a
	// re-subscription following an allocation change failed.
	TopicHandleResubscriptionError(topic *Topic, err error)

	// Limits returns the transport-specific node-ID ceiling and
	// transfer-ID mask.
	Limits() PlatformLimits
}

// PlatformLimits carries the transport-specific constants: NodeIDMax and
// TransferIDMask are per-instance, since they depend on the transport
// (CAN vs. UDP/serial/etc).
type PlatformLimits struct {
	// NodeIDMax is the largest valid node-ID (inclusive), e.g. 127 on CAN
	// or 65534 elsewhere.
	NodeIDMax uint16
	// TransferIDMask gates future matching only: one less than a power of
	// two for cyclic transfer-ID transports, or all-ones for a transport
	// with a wide enough linear counter that wraparound is a non-issue.
	TransferIDMask uint64
	// RequiresNodeID reports whether the transport can only address a
	// transfer to a source if the local node-ID has been assigned (true
	// on CAN, where the arbitration ID carries the source node-ID with no
	// "anonymous" encoding). A transport that can publish without one
	// (e.g. a UDP frame tagged with an explicit sender field that
	// tolerates NodeIDInvalid) leaves this false.
	RequiresNodeID bool
}
