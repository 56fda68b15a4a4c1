package cy

import (
	"time"

	"go.uber.org/zap"
)

const microsecondsPerSecond = Microseconds(time.Second / time.Microsecond)

// Update drives every time-based responsibility of the core: node-ID
// collision recovery, future-timeout retirement, node-ID allocation once
// its backoff window elapses, and the gossip scheduler. The caller is
// expected to invoke it periodically, more often than HeartbeatPeriodMax;
// when ingest and update are both pending in a tick, ingest first so the
// next outbound heartbeat reflects just-received state.
func (cy *Cy) Update() {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	now := cy.platform.Now()

	cy.handleNodeIDCollisionLocked()
	cy.retireExpiredFuturesLocked(now)

	if cy.nodeID == NodeIDInvalid && cy.discovering && now >= cy.discoveryDeadline {
		if err := cy.pickNodeIDLocked(); err != nil {
			cy.log.Warn("node-id allocation attempt failed, retrying next tick", zap.Error(err))
			cy.discoveryDeadline = now + microsecondsPerSecond
		}
	}

	if now >= cy.heartbeatNext {
		cy.gossipRoundLocked(now)
	}
}

// retireExpiredFuturesLocked moves every future whose deadline has passed
// to Failure, firing its callback. The min-lookup restarts after each
// callback (rather than iterating with a saved cursor) because callbacks
// may freely mutate the future tree.
func (cy *Cy) retireExpiredFuturesLocked(now Microseconds) {
	for {
		h, ok := cy.futuresByDeadline.Min()
		if !ok {
			return
		}
		f := h.Val()
		if f.deadline >= now {
			return
		}
		cy.futuresByDeadline.Remove(f.deadlineHandle)
		f.topic.futuresByTransferID.Remove(f.transferHandle)
		f.inIndices = false
		f.state = FutureFailure
		if f.Callback != nil {
			f.Callback(f)
		}
	}
}

// ageTopicLocked increments t.age at most once per wall-clock second.
// Both the gossip send path and the data receive path age through this
// helper; aging on receive keeps an orphaned publisher from inflating its
// own age.
func (cy *Cy) ageTopicLocked(t *Topic, now Microseconds) {
	if now-t.agedAt < microsecondsPerSecond {
		return
	}
	t.age++
	t.agedAt = now
}

// gossipRoundLocked performs one iteration of the scheduler: beat the
// topic with the smallest last_gossip, then reschedule the next due-time
// additively so a slow tick doesn't cause permanent phase slip.
func (cy *Cy) gossipRoundLocked(now Microseconds) {
	if h, ok := cy.topicsByGossipTime.Min(); cy.heartbeatTopic != nil && ok {
		t := h.Val()
		cy.ageTopicLocked(t, now)

		hb := cy.buildHeartbeat(t)
		wire := hb.encode()
		deadline := now + Microseconds(heartbeatPublishTimeout/time.Microsecond)
		err := cy.platform.TopicPublish(cy.heartbeatTopic, deadline, &View{Data: wire})
		cy.heartbeatTopic.pubTransferID++
		if err != nil {
			cy.log.Warn("heartbeat publish failed", zap.Error(err), zap.String("topic", t.name))
		}
		// Gossip time advances even on a failed publish so a broken topic
		// can't block every other topic's turn at the head of the queue.
		cy.reinsertGossipTime(t, now)
	}

	topicCount := cy.topicsByHash.Len()
	if topicCount < 1 {
		topicCount = 1
	}
	period := cy.cfg.HeartbeatPeriodMax
	cyclePeriod := cy.cfg.FullGossipCyclePeriodMax / time.Duration(topicCount)
	if cyclePeriod < period {
		period = cyclePeriod
	}
	periodUs := Microseconds(period / time.Microsecond)
	if periodUs <= 0 {
		periodUs = 1
	}
	// Purely additive: after a stall the due-time lags behind now and the
	// next ticks emit a catch-up burst, one heartbeat per Update call,
	// instead of silently dropping the missed slots.
	cy.heartbeatNext += periodUs
}
