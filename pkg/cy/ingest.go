package cy

import "encoding/binary"

// IngestHeartbeat processes one inbound gossip message from remoteNodeID.
// Malformed payloads (too short, wrong version) are silently dropped.
func (cy *Cy) IngestHeartbeat(remoteNodeID uint16, payload []byte) {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	hb, ok := decodeHeartbeat(payload)
	if !ok {
		return
	}
	now := cy.platform.Now()

	if mine, has := cy.topicsByHash.Find(hb.topicHash, cmpUint64); has {
		cy.ingestDivergenceLocked(mine, hb, now)
		return
	}

	sid := subjectID(hb.topicHash, hb.evictions)
	if resident, has := cy.topicsBySubjectID.Find(sid, cmpUint16); has {
		cy.ingestCollisionLocked(resident, hb, now)
		return
	}

	// No conflict: record the neighbor's node-ID in the occupancy filter.
	cy.markNeighborLocked(remoteNodeID)
}

// ingestDivergenceLocked handles a peer claim for a topic hash we also
// hold, at possibly different evictions.
func (cy *Cy) ingestDivergenceLocked(mine *Topic, hb *heartbeat, now Microseconds) {
	if mine.evictions != hb.evictions {
		mine.lastEventTS = now
		cy.lastEventTS = now

		if divergenceWinner(mine.age, mine.evictions, hb.age, hb.evictions) {
			cy.scheduleASAPGossip(mine)
		} else {
			oldLastGossip := mine.lastGossip
			if hb.age > mine.age {
				mine.age = hb.age
			}
			cy.reallocateAndResubscribeLocked(mine, hb.evictions)
			if mine.evictions == hb.evictions {
				// Consensus reached: downgrade the ASAP gossip
				// allocateTopicLocked just scheduled back to the gossip time
				// the topic held before, since the peer already knows this
				// mapping.
				cy.reinsertGossipTime(mine, oldLastGossip)
			}
			mine.lastLocalEventTS = now
			cy.lastLocalEventTS = now
		}
	}

	// Ages merge toward the max on every heartbeat for this hash, even
	// when the eviction counters already agree.
	if hb.age > mine.age {
		mine.age = hb.age
	}
}

// ingestCollisionLocked handles a peer claiming a subject-ID we already
// occupy with a different hash.
func (cy *Cy) ingestCollisionLocked(resident *Topic, hb *heartbeat, now Microseconds) {
	if resident.hash == hb.topicHash {
		return
	}
	resident.lastEventTS = now
	cy.lastEventTS = now

	remote := topicIdentity{pinned: isPinned(hb.topicHash), age: hb.age, hash: hb.topicHash}
	if collisionWinnerIdentity(identityOf(resident), remote) {
		// Won, nothing moves locally -- but the infringing peer must learn
		// this subject-ID is taken, so announce it ASAP.
		cy.scheduleASAPGossip(resident)
		return
	}

	resident.lastLocalEventTS = now
	cy.lastLocalEventTS = now
	cy.reallocateAndResubscribeLocked(resident, resident.evictions+1)
}

// IngestTopicTransfer handles one inbound data transfer on topic t.
// Ownership of payload passes to t.subLastTransfer, or it is released
// immediately if nobody is subscribed.
func (cy *Cy) IngestTopicTransfer(t *Topic, remoteNodeID uint16, transfer *Transfer) {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	cy.markNeighborLocked(remoteNodeID)
	cy.ageTopicLocked(t, cy.platform.Now())

	if t.subList == nil {
		transfer.Payload.Release()
		return
	}

	if t.subLastTransfer != nil {
		t.subLastTransfer.Payload.Release()
	}
	t.subLastTransfer = transfer

	for s := t.subList; s != nil; {
		next := s.next // snapshot so the callback may remove s itself
		if s.callback != nil {
			s.callback(s)
		}
		s = next
	}
}

// IngestTopicResponseTransfer handles one inbound RPC request transfer on
// service-ID RPCServiceIDTopicResponse: the first 8 bytes are the
// topic hash, the remainder is the application payload.
func (cy *Cy) IngestTopicResponseTransfer(meta TransferMetadata, payload *Buffer) {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	cy.markNeighborLocked(meta.RemoteNodeID)

	if payload == nil || len(payload.Data) < 8 {
		payload.Release()
		return
	}
	topicHash := binary.LittleEndian.Uint64(payload.Data[:8])

	t, ok := cy.topicsByHash.Find(topicHash, cmpUint64)
	if !ok {
		payload.Release()
		return
	}

	masked := meta.TransferID & cy.platform.Limits().TransferIDMask
	f, ok := t.futuresByTransferID.Find(masked, cmpUint64)
	if !ok {
		payload.Release()
		return
	}

	cy.futuresByDeadline.Remove(f.deadlineHandle)
	t.futuresByTransferID.Remove(f.transferHandle)
	f.inIndices = false
	f.state = FutureSuccess
	f.lastResponse = &Transfer{
		Metadata:  meta,
		Timestamp: cy.platform.Now(),
		Payload:   NewBuffer(payload.Data[8:], payload.release),
	}
	if f.Callback != nil {
		f.Callback(f)
	}
}

