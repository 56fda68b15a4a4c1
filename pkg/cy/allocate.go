package cy

import "fmt"

// newTopicLocked canonicalizes name, computes its hash, and creates a
// fresh Topic record -- but does not yet place it in the subject-ID or
// gossip-time indices; callers finish with allocateTopicLocked.
func (cy *Cy) newTopicLocked(name string) (*Topic, error) {
	canonical, err := canonicalize(cy.cfg.Namespace, cy.cfg.NodeName, name)
	if err != nil {
		return nil, err
	}
	hash := topicHash(canonical)
	if _, dup := cy.topicsByHash.Find(hash, cmpUint64); dup {
		return nil, ErrDuplicateName
	}
	if cy.topicsByHash.Len() >= TopicSubjectCount {
		return nil, ErrCapacity
	}

	t := newTopic(cy, canonical)
	t.hash = hash
	t.agedAt = cy.platform.Now()
	// Seeding the transfer-ID counter randomly instead of at zero makes
	// transfer-ID timeout heuristics on the receive side work across our
	// restarts; see https://forum.opencyphal.org/t/improve-the-transfer-id-timeout/2375
	t.pubTransferID = cy.randomU64()

	if err := cy.platform.TopicNew(t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
	}

	_, _, t.hashHandle = cy.topicsByHash.FindOrInsert(hash, t, cmpUint64)
	return t, nil
}

// allocateTopicLocked is the CRDT insertion algorithm: place t at
// subject_id(t.hash, evictions), evicting and iteratively re-placing
// whatever loses arbitration. An explicit work-list stands in for
// recursion so stack depth stays O(1) regardless of chain length.
func (cy *Cy) allocateTopicLocked(t *Topic, evictions uint64) {
	if t.subjectHandle.Valid() {
		cy.topicsBySubjectID.Remove(t.subjectHandle)
		t.subjectHandle = Handle[uint16, *Topic]{}
	}
	t.evictions = evictions

	work := []*Topic{t}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		for {
			sid := subjectID(cur.hash, cur.evictions)
			existing, inserted, handle := cy.topicsBySubjectID.FindOrInsert(sid, cur, cmpUint16)
			if inserted {
				cur.subjectHandle = handle
				cy.scheduleASAPGossip(cur)
				break
			}
			if existing == cur {
				// Already resident at this subject-ID (can happen when the
				// work-list revisits a topic whose slot nobody contested).
				cur.subjectHandle = handle
				break
			}
			if collisionWinner(cur, existing) {
				// cur displaces existing: remove existing from the index,
				// requeue it one eviction higher, and retry cur at its
				// (still current) subject-ID -- existing's old slot is free
				// the moment we remove it.
				cy.topicsBySubjectID.Remove(existing.subjectHandle)
				existing.subjectHandle = Handle[uint16, *Topic]{}
				existing.evictions++
				cy.scheduleASAPGossip(existing)
				work = append(work, existing)
				continue
			}
			cur.evictions++
		}
	}
}

// scheduleASAPGossip sets last_gossip to the highest-priority value this
// topic is allowed (0 for non-pinned, 1 for pinned -- pinned topics never
// need to win subject-ID contests, so they're demoted one tick behind any
// non-pinned topic mid-reallocation).
func (cy *Cy) scheduleASAPGossip(t *Topic) {
	if t.gossipHandle.Valid() {
		cy.topicsByGossipTime.Remove(t.gossipHandle)
	}
	target := Microseconds(0)
	if t.IsPinned() {
		target = 1
	}
	t.lastGossip = target
	_, _, t.gossipHandle = cy.topicsByGossipTime.FindOrInsert(target, t, cmpGossipTime)
}

// reinsertGossipTime removes and reinserts t's gossip-time index entry
// under a new key, used by the scheduler after it publishes a heartbeat.
func (cy *Cy) reinsertGossipTime(t *Topic, when Microseconds) {
	if t.gossipHandle.Valid() {
		cy.topicsByGossipTime.Remove(t.gossipHandle)
	}
	t.lastGossip = when
	_, _, t.gossipHandle = cy.topicsByGossipTime.FindOrInsert(when, t, cmpGossipTime)
}

// subscribeLocked activates the transport receive path at t's current
// subject-ID. Failure is non-fatal: t.subscribed stays false and the
// caller decides whether to report it via TopicHandleResubscriptionError.
func (cy *Cy) subscribeLocked(t *Topic) error {
	if err := cy.platform.TopicSubscribe(t); err != nil {
		t.subscribed = false
		return err
	}
	t.subscribed = true
	return nil
}

func (cy *Cy) unsubscribeLocked(t *Topic) {
	if t.subscribed {
		cy.platform.TopicUnsubscribe(t)
		t.subscribed = false
	}
}

// reallocateAndResubscribeLocked implements the transport-coupling
// rule: tear down the subscription (if any) before mutating evictions/
// subject-id, then re-subscribe at the new subject-ID afterward.
func (cy *Cy) reallocateAndResubscribeLocked(t *Topic, evictions uint64) {
	cy.unsubscribeLocked(t)
	cy.allocateTopicLocked(t, evictions)
	if t.HasLocalSubscribers() {
		if err := cy.subscribeLocked(t); err != nil {
			cy.platform.TopicHandleResubscriptionError(t, err)
		}
	}
}

// destroyTopicLocked unlinks the topic from all three indices, cancels
// every pending future bound to it, releases the retained last transfer,
// unsubscribes, and lets the platform free its transport extension.
func (cy *Cy) destroyTopicLocked(t *Topic) {
	cy.unsubscribeLocked(t)

	for _, f := range t.futuresByTransferID.All() {
		f.Cancel()
	}

	if t.subLastTransfer != nil {
		t.subLastTransfer.Payload.Release()
		t.subLastTransfer = nil
	}

	if t.hashHandle.Valid() {
		cy.topicsByHash.Remove(t.hashHandle)
	}
	if t.subjectHandle.Valid() {
		cy.topicsBySubjectID.Remove(t.subjectHandle)
	}
	if t.gossipHandle.Valid() {
		cy.topicsByGossipTime.Remove(t.gossipHandle)
	}

	cy.platform.TopicDestroy(t)

	if t == cy.heartbeatTopic {
		cy.heartbeatTopic = nil
	}
}
