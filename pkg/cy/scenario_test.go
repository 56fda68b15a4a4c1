package cy_test

import (
	"errors"
	"testing"

	"github.com/cymesh/cy/cytest"
	"github.com/cymesh/cy/pkg/cy"
)

// newNode builds one Cy instance bound to a fresh FakePlatform on bus,
// sharing clock, with an explicit node-id so heartbeats start flowing on
// the very first Update call instead of waiting out the discovery delay.
func newNode(t *testing.T, bus *cytest.Bus, clock *cytest.Clock, uid uint64, nodeID uint16) (*cy.Cy, *cytest.FakePlatform) {
	t.Helper()
	plat := cytest.NewFakePlatform(bus, clock, uid, 1000, ^uint64(0), 64)
	node, err := cy.New(plat, cy.Config{UID: uid, NodeID: nodeID})
	if err != nil {
		t.Fatalf("cy.New: %v", err)
	}
	plat.Bind(node)
	return node, plat
}

// tick advances the shared clock and calls Update on every node, enough
// times to let the gossip scheduler cycle through every locally known
// topic at least a few times over.
func tick(clock *cytest.Clock, rounds int, nodes ...*cy.Cy) {
	for i := 0; i < rounds; i++ {
		clock.Advance(50_000) // 50ms
		for _, n := range nodes {
			n.Update()
		}
	}
}

// Two nodes independently create the same pinned topic
// name. A pinned subject-id is never subject to eviction, so gossiping
// about it must never produce an event, a reallocation, or a subject-id
// change on either side.
func TestScenarioPinnedTopicNoConflict(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA1, 1)
	nodeB, _ := newNode(t, bus, clock, 0xBBBB1, 2)

	topicA, err := nodeA.Topic("100")
	if err != nil {
		t.Fatalf("nodeA.Topic: %v", err)
	}
	topicB, err := nodeB.Topic("100")
	if err != nil {
		t.Fatalf("nodeB.Topic: %v", err)
	}
	if !topicA.IsPinned() || !topicB.IsPinned() {
		t.Fatal("expected a bare decimal literal to parse as pinned")
	}

	tick(clock, 40, nodeA, nodeB)

	if topicA.SubjectID() != 100 || topicB.SubjectID() != 100 {
		t.Fatalf("pinned subject-id must never move: got %d / %d", topicA.SubjectID(), topicB.SubjectID())
	}
	if topicA.Evictions() != 0 || topicB.Evictions() != 0 {
		t.Fatalf("pinned topics must never accrue evictions: got %d / %d", topicA.Evictions(), topicB.Evictions())
	}
}

// A forced subject-id collision between two distinct (non-pinned) topic
// names, arbitrated deterministically by the colliding-topic order. With both topics freshly created (age 0 on both
// sides, so the log-age term ties), the tiebreak is "smaller hash wins" --
// the loser must evict (subject-id changes, evictions advances) while the
// winner's mapping is left untouched.
func TestScenarioSubjectIDCollisionArbitration(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA2, 1)
	nodeB, _ := newNode(t, bus, clock, 0xBBBB2, 2)

	topicA, err := nodeA.Topic("alpha")
	if err != nil {
		t.Fatalf("nodeA.Topic: %v", err)
	}
	hint := uint64(topicA.SubjectID())

	topicB, err := nodeB.Topic("beta", hint)
	if err != nil {
		t.Fatalf("nodeB.Topic: %v", err)
	}
	if topicA.SubjectID() != topicB.SubjectID() {
		t.Fatalf("expected the hint to force a collision: %d vs %d", topicA.SubjectID(), topicB.SubjectID())
	}
	if topicA.Hash() == topicB.Hash() {
		t.Fatal("test requires two distinct topic names/hashes to exercise collision, not divergence")
	}

	tick(clock, 80, nodeA, nodeB)

	if topicA.SubjectID() == topicB.SubjectID() {
		t.Fatalf("collision did not resolve after gossip: both still at %d", topicA.SubjectID())
	}

	var winner, loser *cy.Topic
	if topicA.Hash() < topicB.Hash() {
		winner, loser = topicA, topicB
	} else {
		winner, loser = topicB, topicA
	}
	if winner.Evictions() != 0 {
		t.Fatalf("smaller-hash winner must keep its original mapping, got evictions=%d", winner.Evictions())
	}
	if loser.Evictions() == 0 {
		t.Fatal("larger-hash loser must have evicted at least once")
	}
}

// A foreign frame reusing our own node-id triggers
// NotifyNodeIDCollision; the next Update must drop the id and rediscover a
// fresh one rather than keep transmitting under a now-ambiguous identity.
func TestScenarioNodeIDCollisionTriggersRediscovery(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA3, 7)
	nodeB, _ := newNode(t, bus, clock, 0xBBBB3, 7) // claims the same id nodeA already holds

	if nodeA.NodeID() != 7 {
		t.Fatalf("the collision must only be latched until the next Update, but nodeA's id already reports %d", nodeA.NodeID())
	}

	moved := false
	for i := 0; i < 50; i++ {
		clock.Advance(50_000)
		nodeA.Update()
		if id := nodeA.NodeID(); id != cy.NodeIDInvalid && id != 7 {
			moved = true
			break
		}
	}
	if !moved {
		t.Fatal("nodeA never recovered a fresh node-id after the collision")
	}
	if nodeB.NodeID() != 7 {
		t.Fatalf("nodeB should keep the id it already held, got %d", nodeB.NodeID())
	}
}

// Publish with a response deadline and nobody ever
// responds; the tick crossing the deadline must move the future to
// Failure and fire its callback exactly once.
func TestScenarioFutureTimesOutWithoutResponse(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA4, 1)

	topic, err := nodeA.Topic("request")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}

	var future cy.Future
	fired := 0
	future.Callback = func(f *cy.Future) { fired++ }

	deadline := clock.Now() + 1_000_000
	payload := &cy.View{Data: []byte("ping")}
	if err := nodeA.Publish(topic, clock.Now()+1000, payload, &future, deadline); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if future.State() != cy.FuturePending {
		t.Fatalf("expected Pending immediately after Publish, got %s", future.State())
	}

	clock.Advance(2_000_000)
	nodeA.Update()

	if future.State() != cy.FutureFailure {
		t.Fatalf("expected Failure after the deadline elapsed, got %s", future.State())
	}
	if fired != 1 {
		t.Fatalf("expected the timeout callback to fire exactly once, fired %d times", fired)
	}

	nodeA.Update()
	if fired != 1 {
		t.Fatalf("timeout callback must not re-fire on a later tick, fired %d times", fired)
	}
}

// A full request/response round trip. nodeB subscribes to
// the shared topic, observes the inbound transfer via LastTransfer, and
// calls Respond; nodeA's future must resolve to Success carrying the
// response payload.
func TestScenarioRespondResolvesFuture(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA5, 1)
	nodeB, _ := newNode(t, bus, clock, 0xBBBB5, 2)

	topicA, err := nodeA.Topic("svc")
	if err != nil {
		t.Fatalf("nodeA.Topic: %v", err)
	}
	topicB, err := nodeB.Topic("svc")
	if err != nil {
		t.Fatalf("nodeB.Topic: %v", err)
	}
	if topicA.SubjectID() != topicB.SubjectID() {
		t.Fatalf("same canonical name must map to the same subject-id: %d vs %d", topicA.SubjectID(), topicB.SubjectID())
	}

	// The subscription callback only records that a request arrived; it
	// must not call back into nodeB synchronously here, since the callback
	// runs with nodeB's own instance lock already held (the same
	// non-reentrant constraint cy.go's doc comment implies by calling the
	// design "single-threaded in spirit"). Responding happens afterward,
	// from the test's own goroutine, the way a real application would
	// queue the reply for its next loop iteration.
	var gotMeta cy.TransferMetadata
	var gotRequest bool
	_, err = nodeB.Subscribe(topicB, func(sub *cy.Subscription) {
		tr := sub.Topic().LastTransfer()
		if tr == nil {
			return
		}
		gotMeta = tr.Metadata
		gotRequest = true
	}, nil)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var future cy.Future
	payload := &cy.View{Data: []byte("ping")}
	deadline := clock.Now() + 1_000_000
	if err := nodeA.Publish(topicA, clock.Now()+1000, payload, &future, deadline); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !gotRequest {
		t.Fatal("nodeB never observed the inbound request")
	}

	reply := &cy.View{Data: []byte("pong")}
	if err := nodeB.Respond(topicB, clock.Now()+1000, gotMeta, reply); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	if future.State() != cy.FutureSuccess {
		t.Fatalf("expected the response to resolve the future synchronously within this in-memory bus, got %s", future.State())
	}
	resp := future.LastResponse()
	if resp == nil {
		t.Fatal("expected a non-nil response on a resolved future")
	}
	if string(resp.Payload.Data) != "pong" {
		t.Fatalf("expected response payload %q, got %q", "pong", resp.Payload.Data)
	}
}

// On a transport that requires an assigned node-id to address a
// transfer at all, publishing before one has been assigned must fail with
// ErrAnonymous rather than attempting the platform call.
func TestPublishAnonymousRejectedWhenTransportRequiresNodeID(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	plat := cytest.NewFakePlatform(bus, clock, 0xCCCC1, 1000, ^uint64(0), 64)
	plat.RequireNodeID()

	node, err := cy.New(plat, cy.Config{UID: 0xCCCC1, NodeID: cy.NodeIDInvalid}) // no explicit NodeID: discovery pending
	if err != nil {
		t.Fatalf("cy.New: %v", err)
	}
	plat.Bind(node)

	topic, err := node.Topic("anon")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}

	payload := &cy.View{Data: []byte("x")}
	err = node.Publish(topic, clock.Now()+1000, payload, nil, 0)
	if !errors.Is(err, cy.ErrAnonymous) {
		t.Fatalf("expected ErrAnonymous, got %v", err)
	}
}

// Divergent allocation across a partition rejoin. Two
// nodes hold the same topic name at different eviction counters (forced
// here with a subject-id hint standing in for a warm restart from stale
// state). With equal ages the log-age term ties, so the larger-evictions
// side wins and the other adopts its counter within one gossip exchange.
func TestScenarioDivergenceReconciles(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA6, 1)
	nodeB, _ := newNode(t, bus, clock, 0xBBBB6, 2)

	topicA, err := nodeA.Topic("x")
	if err != nil {
		t.Fatalf("nodeA.Topic: %v", err)
	}
	hint := (uint64(topicA.SubjectID()) + 2) % 6144
	topicB, err := nodeB.Topic("x", hint)
	if err != nil {
		t.Fatalf("nodeB.Topic: %v", err)
	}
	if topicB.Evictions() != 2 {
		t.Fatalf("hint should have pre-seeded evictions to 2, got %d", topicB.Evictions())
	}
	if topicA.Hash() != topicB.Hash() {
		t.Fatal("same canonical name must produce the same hash on both nodes")
	}

	tick(clock, 40, nodeA, nodeB)

	if topicA.Evictions() != 2 || topicB.Evictions() != 2 {
		t.Fatalf("divergence did not reconcile: evictions %d vs %d", topicA.Evictions(), topicB.Evictions())
	}
	if topicA.SubjectID() != topicB.SubjectID() {
		t.Fatalf("subject-ids still diverge: %d vs %d", topicA.SubjectID(), topicB.SubjectID())
	}
	if topicA.LastLocalEventTS() == 0 {
		t.Fatal("the adopting side must record a local allocation change")
	}
	if topicB.LastLocalEventTS() != 0 {
		t.Fatal("the winning side must not record a local allocation change")
	}
}

// With a 5-bit cyclic transfer-id (mask 31), a second publish-with-future
// whose transfer-id masks onto a still-pending future's slot must fail
// with ErrCapacity.
func TestPublishTransferIDWindowExhausted(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	plat := cytest.NewFakePlatform(bus, clock, 0xDDDD1, 1000, 31, 64)
	node, err := cy.New(plat, cy.Config{UID: 0xDDDD1, NodeID: 3})
	if err != nil {
		t.Fatalf("cy.New: %v", err)
	}
	plat.Bind(node)

	topic, err := node.Topic("window")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}

	var first cy.Future
	payload := &cy.View{Data: []byte("x")}
	if err := node.Publish(topic, clock.Now()+1000, payload, &first, clock.Now()+10_000_000); err != nil {
		t.Fatalf("first Publish: %v", err)
	}

	// 31 futureless publishes wrap the 5-bit window back onto the slot
	// the pending future still occupies.
	for i := 0; i < 31; i++ {
		if err := node.Publish(topic, clock.Now()+1000, payload, nil, 0); err != nil {
			t.Fatalf("filler Publish %d: %v", i, err)
		}
	}

	var second cy.Future
	err = node.Publish(topic, clock.Now()+1000, payload, &second, clock.Now()+10_000_000)
	if !errors.Is(err, cy.ErrCapacity) {
		t.Fatalf("expected ErrCapacity on a masked transfer-id collision, got %v", err)
	}
	if first.State() != cy.FuturePending {
		t.Fatalf("the original future must be left untouched, got %s", first.State())
	}
}

// A response arriving after the future already
// timed out is silently dropped -- no state change, no second callback.
func TestScenarioLateResponseAfterTimeoutDropped(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	nodeA, _ := newNode(t, bus, clock, 0xAAAA7, 1)
	nodeB, _ := newNode(t, bus, clock, 0xBBBB7, 2)

	topicA, err := nodeA.Topic("slow")
	if err != nil {
		t.Fatalf("nodeA.Topic: %v", err)
	}
	topicB, err := nodeB.Topic("slow")
	if err != nil {
		t.Fatalf("nodeB.Topic: %v", err)
	}

	var gotMeta cy.TransferMetadata
	if _, err := nodeB.Subscribe(topicB, func(sub *cy.Subscription) {
		if tr := sub.Topic().LastTransfer(); tr != nil {
			gotMeta = tr.Metadata
		}
	}, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var future cy.Future
	fired := 0
	future.Callback = func(f *cy.Future) { fired++ }
	if err := nodeA.Publish(topicA, clock.Now()+1000, &cy.View{Data: []byte("ping")}, &future, clock.Now()+1_000_000); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	clock.Advance(2_000_000)
	nodeA.Update()
	if future.State() != cy.FutureFailure || fired != 1 {
		t.Fatalf("expected a timed-out future (Failure, 1 callback), got %s / %d", future.State(), fired)
	}

	// The reply shows up anyway, too late.
	if err := nodeB.Respond(topicB, clock.Now()+1000, gotMeta, &cy.View{Data: []byte("pong")}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if future.State() != cy.FutureFailure {
		t.Fatalf("late response must not resurrect the future, got %s", future.State())
	}
	if fired != 1 {
		t.Fatalf("late response must not re-fire the callback, fired %d times", fired)
	}
	if future.LastResponse() != nil {
		t.Fatal("late response must not be attached to the failed future")
	}
}

// No two local topics ever share a subject-id, even when every
// creation aims at the same slot and the insertion algorithm has to chain
// evictions to resolve it.
func TestLocalAllocationKeepsSubjectIDsUnique(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	node, _ := newNode(t, bus, clock, 0xEEEE1, 1)

	const target = uint64(1000)
	names := []string{"q/a", "q/b", "q/c", "q/d", "q/e", "q/f", "q/g", "q/h"}
	for _, name := range names {
		if _, err := node.Topic(name, target); err != nil {
			t.Fatalf("Topic(%q): %v", name, err)
		}
	}

	seen := map[uint16]string{}
	for _, tp := range node.Topics() {
		if prev, dup := seen[tp.SubjectID()]; dup {
			t.Fatalf("subject-id %d held by both %q and %q", tp.SubjectID(), prev, tp.Name())
		}
		seen[tp.SubjectID()] = tp.Name()
	}
}

// Every payload handed to the data-ingest path ends up either attached
// to the topic's last-transfer slot or released -- and assigning a new
// transfer into the slot releases the previous occupant.
func TestIngestTransferPayloadOwnership(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	node, _ := newNode(t, bus, clock, 0xEEEE2, 1)

	topic, err := node.Topic("owned")
	if err != nil {
		t.Fatalf("Topic: %v", err)
	}

	makeTransfer := func(released *bool) *cy.Transfer {
		return &cy.Transfer{
			Metadata: cy.TransferMetadata{RemoteNodeID: 9},
			Payload:  cy.NewBuffer([]byte("payload"), func() { *released = true }),
		}
	}

	// No subscribers: the payload must be released immediately.
	var droppedReleased bool
	node.IngestTopicTransfer(topic, 9, makeTransfer(&droppedReleased))
	if !droppedReleased {
		t.Fatal("payload must be released when nobody is subscribed")
	}
	if topic.LastTransfer() != nil {
		t.Fatal("an unsubscribed topic must not retain the transfer")
	}

	if _, err := node.Subscribe(topic, func(*cy.Subscription) {}, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var firstReleased, secondReleased bool
	node.IngestTopicTransfer(topic, 9, makeTransfer(&firstReleased))
	if firstReleased {
		t.Fatal("the retained transfer must not be released while it occupies the slot")
	}
	node.IngestTopicTransfer(topic, 9, makeTransfer(&secondReleased))
	if !firstReleased {
		t.Fatal("assigning a new transfer must release the previous occupant")
	}
	if secondReleased {
		t.Fatal("the newest transfer must stay owned by the slot")
	}
}

// With every usable node-ID already marked occupied (more neighbors than
// the filter's usable range), the allocator must still produce an ID by
// falling back to a random one instead of retrying forever; the collision
// protocol handles any resulting clash.
func TestNodeIDPickFallsBackWhenFilterExhausted(t *testing.T) {
	bus := cytest.NewBus()
	clock := cytest.NewClock(0)
	plat := cytest.NewFakePlatform(bus, clock, 0xFFFF1, 3, ^uint64(0), 64)
	node, err := cy.New(plat, cy.Config{UID: 0xFFFF1, NodeID: cy.NodeIDInvalid}) // no explicit NodeID: discovery mode
	if err != nil {
		t.Fatalf("cy.New: %v", err)
	}
	plat.Bind(node)

	bloom := plat.NodeIDBloom(node)
	for id := uint64(0); id <= 3; id++ {
		bloom.Set(id)
	}

	for i := 0; i < 100 && node.NodeID() == cy.NodeIDInvalid; i++ {
		clock.Advance(100_000)
		node.Update()
	}

	id := node.NodeID()
	if id == cy.NodeIDInvalid {
		t.Fatal("node never obtained an id from a fully occupied filter range")
	}
	if id > 3 {
		t.Fatalf("fallback id %d exceeds the node-id ceiling", id)
	}
}
