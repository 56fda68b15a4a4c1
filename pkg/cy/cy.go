package cy

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

// Cy is the root of one replica: its configuration, its view of every
// topic it knows about (whether or not it publishes or subscribes to it
// locally), and the bookkeeping needed to run the gossip/heartbeat loop
// and the future-timeout sweep.
//
// A Cy is single-threaded in spirit, but its mutable state is guarded
// with a mutex so a caller that drives Update from its own loop
// goroutine (as the demo CLI does) can safely call
// Publish/Subscribe/Topic from others.
type Cy struct {
	mu sync.Mutex

	cfg      Config
	platform Platform
	log      *zap.Logger

	nodeID          uint16
	nodeIDCollision bool

	topicsByHash       *Index[uint64, *Topic]
	topicsBySubjectID  *Index[uint16, *Topic]
	topicsByGossipTime *Index[Microseconds, *Topic]
	futuresByDeadline  *Index[Microseconds, *Future]

	heartbeatTopic *Topic
	heartbeatNext  Microseconds

	lastEventTS      Microseconds
	lastLocalEventTS Microseconds

	startedAt Microseconds

	// discoveryDeadline gates the CSMA-style random backoff before a
	// fresh node-ID pick is attempted.
	discoveryDeadline Microseconds
	discovering       bool
}

// New constructs a Cy instance bound to platform. It installs the local
// node-ID immediately if cfg.NodeID is valid, and always creates and
// subscribes the pinned heartbeat topic.
func New(platform Platform, cfg Config) (*Cy, error) {
	if platform == nil {
		return nil, argErrorf("platform must not be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	resolved := cfg.withDefaults()

	log := resolved.Logger
	if log == nil {
		log = zap.NewNop()
	}

	now := platform.Now()
	cy := &Cy{
		cfg:                resolved,
		platform:           platform,
		log:                log,
		nodeID:             NodeIDInvalid,
		topicsByHash:       NewIndex[uint64, *Topic](),
		topicsBySubjectID:  NewIndex[uint16, *Topic](),
		topicsByGossipTime: NewIndex[Microseconds, *Topic](),
		futuresByDeadline:  NewIndex[Microseconds, *Future](),
		startedAt:          now,
		heartbeatNext:      now,
	}

	// Install the node-ID before creating any topic: a failed install
	// aborts construction, and at that point there must be nothing to
	// tear back down.
	if resolved.NodeID != NodeIDInvalid && resolved.NodeID <= platform.Limits().NodeIDMax {
		if err := cy.setNodeIDLocked(resolved.NodeID); err != nil {
			return nil, err
		}
		// Explicit beats autoconfigured: the first heartbeat is due now so
		// the ID is claimed aggressively.
		cy.heartbeatNext = now
		cy.lastEventTS, cy.lastLocalEventTS = 0, 0
	} else {
		cy.discovering = true
		delay := cy.randomUint(
			uint64(DefaultStartDelayMin/time.Microsecond),
			uint64(DefaultStartDelayMax/time.Microsecond))
		cy.discoveryDeadline = now + Microseconds(delay)
		cy.heartbeatNext = cy.discoveryDeadline
		cy.lastEventTS, cy.lastLocalEventTS = cy.startedAt, cy.startedAt
	}

	heartbeatTopic, err := cy.newTopicLocked(HeartbeatTopicName)
	if err != nil {
		if cy.nodeID != NodeIDInvalid {
			cy.platform.NodeIDClear(cy)
			cy.nodeID = NodeIDInvalid
		}
		return nil, err
	}
	cy.heartbeatTopic = heartbeatTopic
	cy.allocateTopicLocked(heartbeatTopic, 0)
	if err := cy.subscribeLocked(heartbeatTopic); err != nil {
		cy.log.Warn("initial heartbeat subscription failed, will retry on next update", zap.Error(err))
	}

	log.Info("cy instance started",
		zap.Uint64("uid", resolved.UID),
		zap.String("namespace", resolved.Namespace),
		zap.String("node_name", resolved.NodeName),
		zap.Uint16("node_id", cy.nodeID))

	return cy, nil
}

// Close releases the local node-ID and tears down every remaining topic.
// It does not destroy Cy's own bookkeeping structures (the garbage
// collector does that); it exists so the platform gets a deterministic
// chance to unsubscribe/unregister everything.
func (cy *Cy) Close() {
	cy.mu.Lock()
	defer cy.mu.Unlock()

	if cy.nodeID != NodeIDInvalid {
		cy.platform.NodeIDClear(cy)
		cy.nodeID = NodeIDInvalid
	}
	for _, t := range cy.topicsByHash.All() {
		cy.destroyTopicLocked(t)
	}
}

// NodeID returns the locally assigned node-ID, or NodeIDInvalid. It reads
// the field without taking the instance lock, so a Platform can call it
// from inside NodeIDSet, which the core invokes with that lock held.
func (cy *Cy) NodeID() uint16 {
	return cy.nodeID
}

// UID returns the configured instance identifier.
func (cy *Cy) UID() uint64 { return cy.cfg.UID }

// Namespace returns the configured default namespace.
func (cy *Cy) Namespace() string { return cy.cfg.Namespace }

// NodeName returns the configured node name.
func (cy *Cy) NodeName() string { return cy.cfg.NodeName }

// Now is a convenience passthrough to the platform clock.
func (cy *Cy) Now() Microseconds { return cy.platform.Now() }

// LastEventTS returns the time any conflict touching any local topic was
// last observed (even one this replica won); LastLocalEventTS returns the
// time this replica last had to change one of its own allocations.
// An application can treat "both old" as the network having settled --
// the ready() heuristic the stability timestamps exist to feed.
func (cy *Cy) LastEventTS() Microseconds {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.lastEventTS
}

func (cy *Cy) LastLocalEventTS() Microseconds {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	return cy.lastLocalEventTS
}

// randomU64 hashes one PRNG draw together with the local UID, so two
// nodes with correlated platform PRNGs still diverge.
func (cy *Cy) randomU64() uint64 {
	var seed [16]byte
	binary.LittleEndian.PutUint64(seed[:8], cy.platform.PRNG())
	binary.LittleEndian.PutUint64(seed[8:], cy.cfg.UID)
	return xxhash.Sum64(seed[:])
}

// randomUint returns a value in [min, max), or min when the range is empty.
func (cy *Cy) randomUint(min, max uint64) uint64 {
	if min < max {
		return cy.randomU64()%(max-min) + min
	}
	return min
}

func (cy *Cy) setNodeIDLocked(id uint16) error {
	prev := cy.nodeID
	cy.nodeID = id
	if err := cy.platform.NodeIDSet(cy); err != nil {
		cy.nodeID = prev
		return err
	}
	cy.platform.NodeIDBloom(cy).Set(uint64(id))
	cy.discovering = false
	cy.nodeIDCollision = false
	return nil
}
