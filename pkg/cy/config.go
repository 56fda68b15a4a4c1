package cy

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Subject-ID space constants.
const (
	// TotalSubjectCount bounds the pinned subject-ID range: a pinned name
	// is a decimal literal strictly less than this value.
	TotalSubjectCount = 8192
	// TopicSubjectCount is the usable range for dynamically allocated
	// (non-pinned) topics: subject_id = (hash + evictions) mod this.
	TopicSubjectCount = 6144

	// NamespaceNameMax and NodeNameMax bound the namespace/node-name
	// strings.
	NamespaceNameMax = 94
	NodeNameMax      = 94

	// TopicNameMax is the canonical-name length limit.
	TopicNameMax = 96

	// RPCServiceIDTopicResponse is the fixed service-ID every Respond
	// call addresses.
	RPCServiceIDTopicResponse = 510

	// NodeIDInvalid marks "no local node-ID assigned".
	NodeIDInvalid = 0xFFFF

	// HeartbeatTopicName is the pinned name of the gossip channel every
	// node subscribes to and publishes on.
	HeartbeatTopicName = "7509"
)

// Default pacing constants for the gossip scheduler and node-ID
// discovery.
const (
	DefaultHeartbeatPeriodMax        = 100 * time.Millisecond
	DefaultFullGossipCyclePeriodMax  = 10 * time.Second
	DefaultStartDelayMin             = 1 * time.Second
	DefaultStartDelayMax             = 3 * time.Second
	DefaultDiscoveryBackoffMax       = 2 * time.Second
	heartbeatPublishTimeout          = 1 * time.Second
	nodeIDBloomCongestionNumerator   = 31
	nodeIDBloomCongestionDenominator = 32
)

// Config carries the construction-time options for a Cy instance. No
// env/flag parsing lives in this package; that belongs to the demo CLI.
type Config struct {
	// UID uniquely (probabilistically) identifies this node across
	// reboots; must be nonzero.
	UID uint64

	// NodeID, if <= NodeIDMax, is installed immediately and heartbeats
	// start right away to claim it aggressively. Set it to NodeIDInvalid
	// to let the allocator pick one; the zero value is the valid node-ID 0.
	NodeID uint16

	// Namespace and NodeName default to "/" and a UID-derived string
	// ("%04x/%04x/%08x/") when left empty.
	Namespace string
	NodeName  string

	HeartbeatPeriodMax       time.Duration
	FullGossipCyclePeriodMax time.Duration

	// Logger receives the start-up message and warnings (failed initial
	// heartbeat subscription, failed node-ID allocation, failed heartbeat
	// publish); arbitration, reallocation and collision events are not
	// logged. A nil Logger is replaced with a no-op one so the core works
	// without a caller-supplied sink.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.UID == 0 {
		return fmt.Errorf("%w: UID must be nonzero", ErrInvalidArgument)
	}
	return nil
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Namespace == "" {
		out.Namespace = "/"
	}
	if out.NodeName == "" {
		out.NodeName = fmt.Sprintf("%04x/%04x/%08x/",
			(out.UID>>48)&0xFFFF, (out.UID>>32)&0xFFFF, uint32(out.UID))
	}
	if out.HeartbeatPeriodMax <= 0 {
		out.HeartbeatPeriodMax = DefaultHeartbeatPeriodMax
	}
	if out.FullGossipCyclePeriodMax <= 0 {
		out.FullGossipCyclePeriodMax = DefaultFullGossipCyclePeriodMax
	}
	return out
}
