package cy

import (
	"encoding/binary"
	"fmt"
)

// Topic creates (or returns an error for) a topic by name, canonicalizing
// and hashing it, then running the insertion algorithm to place it.
// subjectIDHint, if given, pre-seeds evictions so the topic lands at that
// subject-ID on an uncontested allocation -- useful for warm restarts; it
// is silently overridden if another topic already won that slot.
func (cy *Cy) Topic(name string, subjectIDHint ...uint64) (*Topic, error) {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	t, err := cy.newTopicLocked(name)
	if err != nil {
		return nil, err
	}

	evictions := uint64(0)
	if len(subjectIDHint) > 0 {
		evictions = evictionsForHint(t.hash, subjectIDHint[0])
	} else {
		// A hintless creation is a fresh allocation the network has never
		// seen, so the instance-wide stability clock restarts; a hinted one
		// is a warm restart of a mapping the network presumably already
		// agrees on, which should not disturb it. The per-topic timestamps
		// stay zero either way until an actual conflict is observed.
		now := cy.platform.Now()
		cy.lastEventTS, cy.lastLocalEventTS = now, now
	}
	cy.allocateTopicLocked(t, evictions)
	return t, nil
}

// evictionsForHint returns the evictions value that places a non-pinned
// topic of the given hash at subject-ID hint, if uncontested.
func evictionsForHint(hash, hint uint64) uint64 {
	if isPinned(hash) {
		return 0
	}
	base := hash % TopicSubjectCount
	target := hint % TopicSubjectCount
	return (target + TopicSubjectCount - base) % TopicSubjectCount
}

// DestroyTopic fully unlinks t: all three indices, every pending future
// bound to it, its last received transfer, its transport subscription and
// transport-private state.
func (cy *Cy) DestroyTopic(t *Topic) {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	cy.destroyTopicLocked(t)
}

// FindTopicByName canonicalizes name under the current namespace/node-name
// and looks it up by the resulting hash.
func (cy *Cy) FindTopicByName(name string) (*Topic, bool) {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	canonical, err := canonicalize(cy.cfg.Namespace, cy.cfg.NodeName, name)
	if err != nil {
		return nil, false
	}
	return cy.topicsByHash.Find(topicHash(canonical), cmpUint64)
}

func (cy *Cy) FindTopicByHash(hash uint64) (*Topic, bool) {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.topicsByHash.Find(hash, cmpUint64)
}

func (cy *Cy) FindTopicBySubjectID(sid uint16) (*Topic, bool) {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.topicsBySubjectID.Find(sid, cmpUint16)
}

// Topics returns every locally known topic, including the heartbeat
// topic itself, in ascending hash order.
func (cy *Cy) Topics() []*Topic {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.topicsByHash.All()
}

// Subscribe registers cb on t, activating the transport subscription if
// this is the first subscriber. A transport subscribe failure is
// returned but the Subscription is still created and linked -- it will
// start receiving once a later allocation event retries the transport
// subscribe.
func (cy *Cy) Subscribe(t *Topic, cb func(*Subscription), user any) (*Subscription, error) {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	sub := &Subscription{topic: t, callback: cb, User: user}
	if t.subList == nil {
		t.subList = sub
	} else {
		last := t.subList
		for last.next != nil {
			last = last.next
		}
		last.next = sub
	}

	if !t.subscribed {
		if err := cy.subscribeLocked(t); err != nil {
			return sub, wrapTransportErr(err)
		}
	}
	return sub, nil
}

// Unsubscribe unlinks sub from its topic's subscriber list. The transport
// subscription is deliberately left active even if the list becomes
// empty; it tears down on the next allocation cycle that finds no
// subscribers, so a remove-then-readd churn doesn't thrash the transport.
func (cy *Cy) Unsubscribe(sub *Subscription) {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	t := sub.topic
	if t.subList == sub {
		t.subList = sub.next
	} else {
		for s := t.subList; s != nil; s = s.next {
			if s.next == sub {
				s.next = sub.next
				break
			}
		}
	}
	sub.next = nil
}

// Publish emits one transfer on t. If future is non-nil, it is
// filled in and tracked until it resolves, times out, or is cancelled;
// responseDeadline is ignored when future is nil.
func (cy *Cy) Publish(t *Topic, txDeadline Microseconds, payload *View, future *Future, responseDeadline Microseconds) error {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	limits := cy.platform.Limits()
	if limits.RequiresNodeID && cy.nodeID == NodeIDInvalid {
		return ErrAnonymous
	}

	t.publishing = true
	masked := t.pubTransferID & limits.TransferIDMask

	if future != nil {
		if _, exists := t.futuresByTransferID.Find(masked, cmpUint64); exists {
			t.pubTransferID++
			return ErrCapacity
		}
		*future = Future{topic: t, transferIDMasked: masked, deadline: responseDeadline, state: FuturePending, Callback: future.Callback, User: future.User}
		_, _, future.transferHandle = t.futuresByTransferID.FindOrInsert(masked, future, cmpUint64)
	}

	err := cy.platform.TopicPublish(t, txDeadline, payload)
	t.pubTransferID++ // always advances, even on failure

	if err != nil {
		if future != nil {
			t.futuresByTransferID.Remove(future.transferHandle)
			*future = Future{}
		}
		return wrapTransportErr(err)
	}

	if future != nil {
		_, _, future.deadlineHandle = cy.futuresByDeadline.FindOrInsert(responseDeadline, future, cmpDeadline)
		future.inIndices = true
	}
	return nil
}

// Respond sends payload back to the original publisher of a transfer
// described by meta, wrapped as an RPC request to RPCServiceIDTopicResponse
// prefixed with t's hash -- this unusual "reply carried as a
// request" choice leaves the RPC-response channel free for a future
// reliable-delivery acknowledgement.
func (cy *Cy) Respond(t *Topic, txDeadline Microseconds, meta TransferMetadata, payload *View) error {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	prefix := make([]byte, 8)
	binary.LittleEndian.PutUint64(prefix, t.hash)
	wrapped := &View{Data: prefix, Next: payload}

	if err := cy.platform.Request(cy, RPCServiceIDTopicResponse, meta, txDeadline, wrapped); err != nil {
		return wrapTransportErr(err)
	}
	return nil
}

func wrapTransportErr(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
