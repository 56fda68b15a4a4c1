// Package cytest provides an in-memory Platform double for exercising
// pkg/cy without real sockets: a Bus stands in for the broadcast medium,
// and each FakePlatform is one node's view of it.
package cytest

import (
	"fmt"
	"sync"

	"github.com/cymesh/cy/pkg/cy"
)

// Bus is a shared in-memory multicast medium connecting every FakePlatform
// registered on it -- the test analogue of a UDP multicast group.
type Bus struct {
	mu    sync.Mutex
	byID  map[uint16]*FakePlatform
	nodes []*FakePlatform
}

func NewBus() *Bus {
	return &Bus{byID: map[uint16]*FakePlatform{}}
}

func (b *Bus) register(p *FakePlatform) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nodes = append(b.nodes, p)
}

func (b *Bus) peers() []*FakePlatform {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FakePlatform, len(b.nodes))
	copy(out, b.nodes)
	return out
}

func (b *Bus) claim(p *FakePlatform, id uint16) {
	b.mu.Lock()
	prior, had := b.byID[id]
	b.byID[id] = p
	b.mu.Unlock()
	if had && prior != p {
		prior.cy.NotifyNodeIDCollision()
	}
}

func (b *Bus) release(p *FakePlatform, id uint16) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.byID[id]; ok && cur == p {
		delete(b.byID, id)
	}
}

func (b *Bus) lookup(id uint16) (*FakePlatform, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.byID[id]
	return p, ok
}

// Clock is a shared, manually-advanced logical clock so a test can step
// every node's notion of "now" in lockstep without real sleeps.
type Clock struct {
	mu  sync.Mutex
	now cy.Microseconds
}

func NewClock(start cy.Microseconds) *Clock { return &Clock{now: start} }

func (c *Clock) Now() cy.Microseconds {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d cy.Microseconds) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
}

// FakePlatform is a cy.Platform backed by a Bus and a shared Clock. PRNG is
// a simple per-instance xorshift seeded distinctly per node so tests are
// deterministic for a given seed passed to NewFakePlatform.
type FakePlatform struct {
	bus   *Bus
	clock *Clock
	limits cy.PlatformLimits

	cy *cy.Cy

	mu          sync.Mutex
	prngState   uint64
	bloom       *cy.Bloom
	nodeID      uint16
	topicsByExt map[*cy.Topic]struct{}

	// FailNextNodeIDSet, when true, makes the next NodeIDSet call fail --
	// used to exercise the Anonymous/collision-retry paths.
	FailNextNodeIDSet bool
}

// RequireNodeID flips on cy.PlatformLimits.RequiresNodeID, for tests that
// exercise the "publish with no local node-id" rejection path
// (ErrAnonymous). Must be called before cy.New.
func (p *FakePlatform) RequireNodeID() { p.limits.RequiresNodeID = true }

// NewFakePlatform creates a node on bus sharing clock, with a node-id
// Bloom filter sized nBits (must be a positive multiple of 64).
func NewFakePlatform(bus *Bus, clock *Clock, seed uint64, nodeIDMax uint16, transferIDMask uint64, nBits int) *FakePlatform {
	p := &FakePlatform{
		bus:   bus,
		clock: clock,
		limits: cy.PlatformLimits{
			NodeIDMax:      nodeIDMax,
			TransferIDMask: transferIDMask,
		},
		prngState:   seed | 1,
		bloom:       cy.NewBloom(nBits),
		nodeID:      cy.NodeIDInvalid,
		topicsByExt: map[*cy.Topic]struct{}{},
	}
	bus.register(p)
	return p
}

// Bind associates the platform with the Cy instance it serves. Must be
// called immediately after cy.New(p, cfg) succeeds, since the core may
// invoke platform methods (TopicNew) before New returns.
func (p *FakePlatform) Bind(c *cy.Cy) { p.cy = c }

func (p *FakePlatform) Now() cy.Microseconds { return p.clock.Now() }

func (p *FakePlatform) PRNG() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	// xorshift64*
	x := p.prngState
	x ^= x << 13
	x ^= x >> 7
	x ^= x << 17
	p.prngState = x
	return x * 2685821657736338717
}

func (p *FakePlatform) NodeIDSet(c *cy.Cy) error {
	if p.FailNextNodeIDSet {
		p.FailNextNodeIDSet = false
		return fmt.Errorf("cytest: forced NodeIDSet failure")
	}
	p.mu.Lock()
	p.nodeID = c.NodeID()
	p.mu.Unlock()
	p.bus.claim(p, c.NodeID())
	return nil
}

func (p *FakePlatform) NodeIDClear(c *cy.Cy) {
	p.mu.Lock()
	id := p.nodeID
	p.nodeID = cy.NodeIDInvalid
	p.mu.Unlock()
	p.bus.release(p, id)
}

func (p *FakePlatform) NodeIDBloom(c *cy.Cy) *cy.Bloom { return p.bloom }

func (p *FakePlatform) Request(c *cy.Cy, serviceID uint16, meta cy.TransferMetadata, deadline cy.Microseconds, payload *cy.View) error {
	target, ok := p.bus.lookup(meta.RemoteNodeID)
	if !ok {
		return fmt.Errorf("cytest: no peer with node-id %d", meta.RemoteNodeID)
	}
	if serviceID != cy.RPCServiceIDTopicResponse {
		return fmt.Errorf("cytest: unsupported service-id %d", serviceID)
	}
	data := gather(payload)
	target.cy.IngestTopicResponseTransfer(
		cy.TransferMetadata{RemoteNodeID: p.nodeID, TransferID: meta.TransferID},
		cy.NewBuffer(data, nil),
	)
	return nil
}

func (p *FakePlatform) TopicNew(t *cy.Topic) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topicsByExt[t] = struct{}{}
	return nil
}

func (p *FakePlatform) TopicDestroy(t *cy.Topic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topicsByExt, t)
}

func (p *FakePlatform) TopicPublish(t *cy.Topic, deadline cy.Microseconds, payload *cy.View) error {
	data := gather(payload)
	if t.Name() == cy.HeartbeatTopicName {
		p.broadcastHeartbeat(data)
		return nil
	}
	p.broadcastData(t.SubjectID(), t.PubTransferID(), data)
	return nil
}

func (p *FakePlatform) TopicSubscribe(t *cy.Topic) error { return nil }
func (p *FakePlatform) TopicUnsubscribe(t *cy.Topic)     {}
func (p *FakePlatform) TopicHandleResubscriptionError(t *cy.Topic, err error) {}

func (p *FakePlatform) Limits() cy.PlatformLimits { return p.limits }

func (p *FakePlatform) broadcastHeartbeat(wire []byte) {
	for _, peer := range p.bus.peers() {
		if peer == p {
			continue
		}
		peer.cy.IngestHeartbeat(p.nodeID, wire)
	}
}

func (p *FakePlatform) broadcastData(subjectID uint16, transferID uint64, data []byte) {
	for _, peer := range p.bus.peers() {
		if peer == p {
			continue
		}
		if t, ok := peer.cy.FindTopicBySubjectID(subjectID); ok {
			peer.cy.IngestTopicTransfer(t, p.nodeID, &cy.Transfer{
				Metadata:  cy.TransferMetadata{RemoteNodeID: p.nodeID, TransferID: transferID},
				Timestamp: peer.clock.Now(),
				Payload:   cy.NewBuffer(data, nil),
			})
		}
	}
}

func gather(v *cy.View) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, v.Size())
	v.Gather(buf)
	return buf
}

