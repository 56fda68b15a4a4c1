package cy

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// canonicalize resolves the leading "/" / "~" convention relative to
// namespace and nodeName, collapses "/" runs, strips a leading slash
// entirely and a single trailing slash, and rejects anything empty or
// longer than TopicNameMax.
func canonicalize(namespace, nodeName, name string) (string, error) {
	if name == "" {
		return "", argErrorf("topic name must not be empty")
	}

	var composed string
	switch {
	case strings.HasPrefix(name, "/"):
		composed = name
	case strings.HasPrefix(name, "~") || strings.HasPrefix(namespace, "~"):
		rest := strings.TrimPrefix(name, "~")
		composed = nodeName + "/" + rest
	default:
		composed = namespace + "/" + name
	}

	var b strings.Builder
	b.Grow(len(composed))
	prevSlash := true // treat the start as "after a slash" to drop leading slashes
	for i := 0; i < len(composed); i++ {
		c := composed[i]
		if b.Len() > TopicNameMax {
			return "", argErrorf("canonical topic name exceeds %d bytes", TopicNameMax)
		}
		if c == '/' {
			if !prevSlash {
				b.WriteByte(c)
			}
			prevSlash = true
		} else {
			b.WriteByte(c)
			prevSlash = false
		}
	}
	out := b.String()
	if prevSlash && len(out) > 0 {
		out = out[:len(out)-1] // drop the single trailing slash
	}
	if out == "" {
		return "", argErrorf("canonical topic name must not be empty")
	}
	if len(out) > TopicNameMax {
		return "", argErrorf("canonical topic name exceeds %d bytes", TopicNameMax)
	}
	return out, nil
}

// parsePinned returns the pinned subject-ID for a canonical decimal
// literal with no leading zero and a value below TotalSubjectCount, or
// (0, false) if name is not in pinned form.
func parsePinned(name string) (uint64, bool) {
	if name == "" || name[0] == '0' {
		return 0, false
	}
	for i := 0; i < len(name); i++ {
		if name[i] < '0' || name[i] > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseUint(name, 10, 64)
	if err != nil || v >= TotalSubjectCount {
		return 0, false
	}
	return v, true
}

// topicHash computes the 64-bit key used for CRDT identity: the pinned
// decimal value when the name parses as pinned, otherwise an xxhash of
// the canonical bytes. A uniform 64-bit hash lands in the pinned range
// with probability ~4.4e-16, so accidental pinning is not a practical
// concern.
func topicHash(canonicalName string) uint64 {
	if pinned, ok := parsePinned(canonicalName); ok {
		return pinned
	}
	return xxhash.Sum64String(canonicalName)
}

// isPinned reports whether hash identifies a pinned topic: its subject-ID
// is the hash itself and is never re-allocated.
func isPinned(hash uint64) bool {
	return hash < TotalSubjectCount
}

// discriminator is the 51 high bits of a topic hash, published with
// every transport frame so the transport layer can drop frames whose
// subject-ID has been stolen by a divergent topic.
func discriminator(hash uint64) uint64 {
	return hash >> 13
}

func subjectID(hash, evictions uint64) uint16 {
	if isPinned(hash) {
		return uint16(hash)
	}
	return uint16((hash + evictions) % TopicSubjectCount)
}
