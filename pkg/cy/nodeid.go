package cy

import (
	"math/bits"
	"time"
)

// NotifyNodeIDCollision latches a foreign-frame-used-our-source-id event
// reported by the platform. The core does not react immediately --
// it clears the local ID and restarts discovery on the next Update tick,
// keeping all mutation inside the single-threaded update path.
func (cy *Cy) NotifyNodeIDCollision() {
	cy.mu.Lock()
	defer cy.mu.Unlock()
	cy.nodeIDCollision = true
}

func (cy *Cy) handleNodeIDCollisionLocked() {
	if !cy.nodeIDCollision {
		return
	}
	cy.nodeIDCollision = false
	if cy.nodeID != NodeIDInvalid {
		cy.platform.NodeIDClear(cy)
		cy.nodeID = NodeIDInvalid
	}
	cy.discovering = true
	cy.discoveryDeadline = cy.platform.Now()
}

// markNeighborLocked records a remote node-ID observation in the Bloom
// filter. The first time it sees a previously
// unmarked neighbor while we're still undiscovered, it pushes our
// discovery deadline back by a random CSMA-style backoff to reduce the
// chance of two freshly-booted nodes picking the same ID simultaneously.
func (cy *Cy) markNeighborLocked(remoteNodeID uint16) {
	if remoteNodeID == NodeIDInvalid {
		return
	}
	bloom := cy.platform.NodeIDBloom(cy)
	wasSet := bloom.Test(uint64(remoteNodeID))
	bloom.Set(uint64(remoteNodeID))

	if wasSet || cy.nodeID != NodeIDInvalid || !cy.discovering {
		return
	}
	backoffMax := uint64(DefaultDiscoveryBackoffMax / time.Microsecond)
	backoff := Microseconds(cy.randomUint(0, backoffMax))
	candidate := cy.platform.Now() + backoff
	if candidate > cy.discoveryDeadline {
		cy.discoveryDeadline = candidate
	}
}

// pickNodeIDLocked purges the Bloom filter if congested, finds a word
// with a free bit, picks a random free bit inside it, optionally strides
// by a random multiple of the filter period (so clients sharing a word
// don't always collide on the same bit-to-id mapping), and installs the
// result. It always produces an ID: when no usable free bit exists (more
// nodes online than filter capacity, or the only free bits map past
// NodeIDMax) it falls back to a uniformly random ID and lets the
// collision protocol sort out any clash.
//
// A stride that would land past NodeIDMax is rejected and the raw bit
// index is used instead, rather than wrapping or clamping into an
// already-claimed low ID.
func (cy *Cy) pickNodeIDLocked() error {
	limits := cy.platform.Limits()
	bloom := cy.platform.NodeIDBloom(cy)

	if bloom.congested(nodeIDBloomCongestionNumerator, nodeIDBloomCongestionDenominator) {
		bloom.Purge()
	}

	nWords := len(bloom.Words)
	start := 0
	if nWords > 0 {
		start = int(cy.randomU64() % uint64(nWords))
	}

	for i := 0; i < nWords; i++ {
		w := (start + i) % nWords
		word := bloom.Words[w]
		if word == ^uint64(0) {
			continue
		}
		bit := randomZeroBit(word, cy.randomU64())
		raw := w*64 + bit
		if raw > int(limits.NodeIDMax) {
			continue
		}

		id := raw
		if period := bloom.NBits; period > 0 {
			stride := int(cy.randomU64()%4) * period
			if stride > 0 && raw+stride <= int(limits.NodeIDMax) {
				id = raw + stride
			}
		}

		bloom.Set(uint64(id))
		return cy.setNodeIDLocked(uint16(id))
	}

	// The filter is full: fall back to a random node-ID.
	id := cy.randomUint(0, uint64(limits.NodeIDMax)+1)
	bloom.Set(id)
	return cy.setNodeIDLocked(uint16(id))
}

// randomZeroBit picks a uniformly random zero bit of word using entropy
// from prng, biased only by the (harmless) modulo over the zero-bit count.
func randomZeroBit(word uint64, prng uint64) int {
	zeros := ^word
	count := bits.OnesCount64(zeros)
	if count == 0 {
		return 0
	}
	target := int(prng % uint64(count))
	idx := 0
	for b := 0; b < 64; b++ {
		if zeros&(uint64(1)<<uint(b)) != 0 {
			if idx == target {
				return b
			}
			idx++
		}
	}
	return 63
}
