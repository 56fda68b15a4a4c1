package cy

import "math/bits"

// log2Age returns floor(log2(age)), treating age == 0 as -1 so a
// freshly-created topic (age 0) never outranks one that has gossiped at
// least once. bits.Len64 is the standard trick: for age > 0,
// floor(log2(age)) == bits.Len64(age) - 1.
func log2Age(age uint64) int {
	if age == 0 {
		return -1
	}
	return bits.Len64(age) - 1
}

// topicIdentity is the minimal projection of a topic that collision
// arbitration needs -- it lets ingestCollisionLocked arbitrate against a
// peer's claim without materializing a full *Topic for it.
type topicIdentity struct {
	pinned bool
	age    uint64
	hash   uint64
}

func identityOf(t *Topic) topicIdentity {
	return topicIdentity{pinned: t.IsPinned(), age: t.age, hash: t.hash}
}

// collisionWinnerIdentity implements the colliding-topic order for two
// claims on the same subject-ID with different hashes:
//  1. pinned beats non-pinned
//  2. larger floor(log2(age)) wins
//  3. tie on log-age: smaller hash wins
//
// It returns true if a wins against b.
func collisionWinnerIdentity(a, b topicIdentity) bool {
	if a.pinned != b.pinned {
		return a.pinned
	}
	al, bl := log2Age(a.age), log2Age(b.age)
	if al != bl {
		return al > bl
	}
	return a.hash < b.hash
}

// collisionWinner is collisionWinnerIdentity specialized to two local
// Topic records (used by the local insertion algorithm in allocate.go).
func collisionWinner(a, b *Topic) bool {
	return collisionWinnerIdentity(identityOf(a), identityOf(b))
}

// divergenceWinner implements the divergence order for two replicas of
// the same topic hash holding different eviction counters:
//  1. larger floor(log2(age)) wins
//  2. tie: larger evictions wins
//
// Returns true if local (age/evictions already held) beats remote.
func divergenceWinner(localAge, localEvictions, remoteAge, remoteEvictions uint64) bool {
	ll, rl := log2Age(localAge), log2Age(remoteAge)
	if ll != rl {
		return ll > rl
	}
	return localEvictions > remoteEvictions
}
