package cy

import "encoding/binary"

const (
	heartbeatVersion   = 1
	heartbeatHeaderLen = 40
	heartbeatMaxLen    = heartbeatHeaderLen + TopicNameMax
)

// heartbeat is the decoded form of the 136-byte gossip wire message.
type heartbeat struct {
	uptimeSeconds uint32
	userWord      [3]byte
	uid           uint64
	topicHash     uint64
	flags         uint8
	age           uint64 // low 56 bits significant
	evictions     uint64 // low 40 bits significant
	name          string
}

const (
	heartbeatFlagPublisherLocal  = 1 << 0
	heartbeatFlagSubscriberLocal = 1 << 1
)

// encode serializes hb into the fixed little-endian wire layout,
// truncated right after the name bytes (never padded to the 136-byte
// maximum).
func (hb *heartbeat) encode() []byte {
	n := len(hb.name)
	if n > TopicNameMax {
		n = TopicNameMax
	}
	buf := make([]byte, heartbeatHeaderLen+n)

	binary.LittleEndian.PutUint32(buf[0:4], hb.uptimeSeconds)
	copy(buf[4:7], hb.userWord[:])
	buf[7] = heartbeatVersion

	binary.LittleEndian.PutUint64(buf[8:16], hb.uid)
	binary.LittleEndian.PutUint64(buf[16:24], hb.topicHash)

	ageWord := (uint64(hb.flags) << 56) | (hb.age & ((1 << 56) - 1))
	binary.LittleEndian.PutUint64(buf[24:32], ageWord)

	nameWord := (uint64(uint8(n)) << 56) | (hb.evictions & ((1 << 40) - 1))
	binary.LittleEndian.PutUint64(buf[32:40], nameWord)

	copy(buf[40:40+n], hb.name)
	return buf
}

// decodeHeartbeat parses a wire message; anything shorter than the fixed
// 40-byte header or with a version other than 1 is ignored.
func decodeHeartbeat(buf []byte) (*heartbeat, bool) {
	if len(buf) < heartbeatHeaderLen {
		return nil, false
	}
	if buf[7] != heartbeatVersion {
		return nil, false
	}

	hb := &heartbeat{}
	hb.uptimeSeconds = binary.LittleEndian.Uint32(buf[0:4])
	copy(hb.userWord[:], buf[4:7])
	hb.uid = binary.LittleEndian.Uint64(buf[8:16])
	hb.topicHash = binary.LittleEndian.Uint64(buf[16:24])

	ageWord := binary.LittleEndian.Uint64(buf[24:32])
	hb.flags = uint8(ageWord >> 56)
	hb.age = ageWord & ((1 << 56) - 1)

	nameWord := binary.LittleEndian.Uint64(buf[32:40])
	nameLen := int(nameWord >> 56)
	hb.evictions = nameWord & ((1 << 40) - 1)

	rest := buf[heartbeatHeaderLen:]
	if nameLen > len(rest) {
		nameLen = len(rest)
	}
	hb.name = string(rest[:nameLen])
	return hb, true
}

// buildHeartbeat captures topic t's current state into a wire message
// for the gossip scheduler to publish.
func (cy *Cy) buildHeartbeat(t *Topic) *heartbeat {
	var flags uint8
	if t.HasLocalPublishers() {
		flags |= heartbeatFlagPublisherLocal
	}
	if t.HasLocalSubscribers() {
		flags |= heartbeatFlagSubscriberLocal
	}
	uptime := uint32((cy.platform.Now() - cy.startedAt) / 1_000_000)
	return &heartbeat{
		uptimeSeconds: uptime,
		uid:           cy.cfg.UID,
		topicHash:     t.hash,
		flags:         flags,
		age:           t.age,
		evictions:     t.evictions,
		name:          t.name,
	}
}
