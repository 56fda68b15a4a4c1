package cy

// Subscription is a single registered callback on a topic. Multiple
// subscriptions may coexist on one topic; they form an insertion-ordered
// singly-linked list, safe for in-callback self-removal: a callback may
// delete the subscription currently firing but must not delete a sibling
// mid-dispatch.
type Subscription struct {
	topic    *Topic
	callback func(*Subscription)
	User     any

	next *Subscription
}

// Topic returns the subscription's owning topic.
func (s *Subscription) Topic() *Topic { return s.topic }

// Topic is the central CRDT-replicated entity: a name mapped to a subject-
// ID, kept consistent with every other replica via gossip.
type Topic struct {
	cy *Cy

	name string
	hash uint64

	evictions uint64
	age       uint64
	agedAt    Microseconds

	lastGossip       Microseconds
	lastEventTS      Microseconds
	lastLocalEventTS Microseconds

	pubTransferID uint64
	publishing    bool

	subList         *Subscription
	subscribed      bool
	subLastTransfer *Transfer

	futuresByTransferID *Index[uint64, *Future]

	// Handles into the three owning Cy-level indices, captured at
	// insertion time so removal (on destroy, or on a subject-ID change
	// that requires re-keying topicsBySubjectID) never needs a second
	// search -- see destroyTopicLocked and allocateTopicLocked.
	hashHandle    Handle[uint64, *Topic]
	subjectHandle Handle[uint16, *Topic]
	gossipHandle  Handle[Microseconds, *Topic]

	// Extension is transport-specific state installed by Platform.TopicNew
	// and owned by the platform; the core never interprets it.
	Extension any
}

// Name returns the topic's canonical name.
func (t *Topic) Name() string { return t.name }

// Hash returns the topic's 64-bit identity hash.
func (t *Topic) Hash() uint64 { return t.hash }

// Evictions returns the current Lamport eviction counter.
func (t *Topic) Evictions() uint64 { return t.evictions }

// Age returns the current age counter.
func (t *Topic) Age() uint64 { return t.age }

// SubjectID returns the topic's current subject-ID, derived from its hash
// and eviction counter (pinned topics ignore evictions).
func (t *Topic) SubjectID() uint16 { return subjectID(t.hash, t.evictions) }

// Discriminator returns the 51 high bits of the topic hash.
func (t *Topic) Discriminator() uint64 { return discriminator(t.hash) }

// IsPinned reports whether this topic's subject-ID is permanently fixed.
func (t *Topic) IsPinned() bool { return isPinned(t.hash) }

// PubTransferID returns the transfer-ID the next Publish on this topic
// will carry. The counter is seeded from the PRNG at creation and
// advances on every publish attempt, successful or not; platforms read it
// when stamping the outgoing frame, since the core manages the counter
// but the transport owns the envelope.
func (t *Topic) PubTransferID() uint64 { return t.pubTransferID }

// HasLocalPublishers reports whether Publish has ever been called on this
// topic locally.
func (t *Topic) HasLocalPublishers() bool { return t.publishing }

// HasLocalSubscribers reports whether any local Subscription is active.
func (t *Topic) HasLocalSubscribers() bool { return t.subList != nil }

// Subscribed reports whether the transport-level subscription is currently
// active; may transiently disagree with HasLocalSubscribers when a
// resubscription attempt has failed.
func (t *Topic) Subscribed() bool { return t.subscribed }

// LastTransfer returns the most recently received inbound data transfer on
// this topic, or nil if none has arrived yet. Ownership
// of the payload passes to the caller: release it explicitly once consumed,
// since the next inbound transfer implicitly releases whatever occupies
// this slot.
func (t *Topic) LastTransfer() *Transfer { return t.subLastTransfer }

// LastEventTS and LastLocalEventTS are per-topic stability timestamps:
// the first updates whenever any conflict touching this topic is observed
// (even a won one), the second only when the local allocation had to
// change.
func (t *Topic) LastEventTS() Microseconds      { return t.lastEventTS }
func (t *Topic) LastLocalEventTS() Microseconds { return t.lastLocalEventTS }

func newTopic(cy *Cy, name string) *Topic {
	return &Topic{
		cy:                  cy,
		name:                name,
		futuresByTransferID: NewIndex[uint64, *Future](),
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint16(a, b uint16) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpGossipTime never returns 0 (gossip times are not unique): ties always
// sort the candidate after the existing node, which makes the tree a
// stable FIFO among equal keys during an in-order walk -- two topics that
// entered the "gossip ASAP" state gossip in that order.
func cmpGossipTime(candidate, existing Microseconds) int {
	if candidate >= existing {
		return 1
	}
	return -1
}

// cmpDeadline has the same "never equal, ties go right" property as
// cmpGossipTime, for the futures-by-deadline index.
func cmpDeadline(candidate, existing Microseconds) int {
	if candidate >= existing {
		return 1
	}
	return -1
}
