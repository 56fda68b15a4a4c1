// Package udploop is a loopback-network Platform transport for pkg/cy:
// every node listens on one UDP socket and broadcasts frames to a fixed
// list of peer addresses. It exists to prove the platform interface is
// implementable against a real socket, not to be a production-grade
// multicast stack (no reassembly, no retransmission).
package udploop

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/cymesh/cy/pkg/cy"
)

const (
	frameKindHeartbeat byte = 0
	frameKindData      byte = 1
	frameKindResponse  byte = 2

	frameHeaderLen = 1 + 2 + 2 + 8 // kind + sender node-id + subject/service-id + transfer-id
	maxFrameLen    = 2048
)

// Transport is a cy.Platform backed by a UDP socket and a static peer
// list. Construct it, then call cy.New(transport, cfg), then Bind, then
// Serve in its own goroutine.
type Transport struct {
	conn  *net.UDPConn
	peers []*net.UDPAddr
	log   *zap.Logger

	limits cy.PlatformLimits
	bloom  *cy.Bloom

	mu         sync.Mutex
	cy         *cy.Cy
	nodeID     uint16
	topicByRef map[*cy.Topic]uint16 // subject-id cache, refreshed on each subscribe

	startedAt time.Time
}

// Config holds the construction-time options for a Transport.
type Config struct {
	ListenAddr     string
	PeerAddrs      []string
	NodeIDMax      uint16
	TransferIDMask uint64
	BloomBits      int
	Logger         *zap.Logger
}

// New binds a UDP socket at cfg.ListenAddr and resolves every peer
// address; it does not start receiving until Serve is called.
func New(cfg Config) (*Transport, error) {
	laddr, err := net.ResolveUDPAddr("udp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("udploop: resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("udploop: listen: %w", err)
	}

	peers := make([]*net.UDPAddr, 0, len(cfg.PeerAddrs))
	for _, addr := range cfg.PeerAddrs {
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("udploop: resolve peer addr %q: %w", addr, err)
		}
		peers = append(peers, raddr)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	bloomBits := cfg.BloomBits
	if bloomBits <= 0 {
		bloomBits = 1024
	}

	return &Transport{
		conn:       conn,
		peers:      peers,
		log:        log,
		limits:     cy.PlatformLimits{NodeIDMax: cfg.NodeIDMax, TransferIDMask: cfg.TransferIDMask},
		bloom:      cy.NewBloom(bloomBits),
		nodeID:     cy.NodeIDInvalid,
		topicByRef: map[*cy.Topic]uint16{},
		startedAt:  time.Now(),
	}, nil
}

// Bind associates the transport with the Cy instance it serves. Call
// immediately after cy.New succeeds.
func (t *Transport) Bind(c *cy.Cy) {
	t.mu.Lock()
	t.cy = c
	t.mu.Unlock()
}

// Serve runs the receive loop until ctx is cancelled or the socket
// closes. Intended to run in its own goroutine.
func (t *Transport) Serve(ctx context.Context) error {
	defer t.conn.Close()

	type inbound struct {
		buf []byte
		n   int
	}
	received := make(chan inbound, 16)

	go func() {
		for {
			buf := make([]byte, maxFrameLen)
			n, _, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				close(received)
				return
			}
			received <- inbound{buf: buf, n: n}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-received:
			if !ok {
				return nil
			}
			t.handleFrame(in.buf[:in.n])
		}
	}
}

func (t *Transport) handleFrame(buf []byte) {
	if len(buf) < frameHeaderLen {
		return
	}
	kind := buf[0]
	senderNodeID := binary.LittleEndian.Uint16(buf[1:3])
	id := binary.LittleEndian.Uint16(buf[3:5])
	transferID := binary.LittleEndian.Uint64(buf[5:13])
	payload := buf[frameHeaderLen:]

	t.mu.Lock()
	c := t.cy
	t.mu.Unlock()
	if c == nil {
		return
	}

	switch kind {
	case frameKindHeartbeat:
		c.IngestHeartbeat(senderNodeID, payload)
	case frameKindData:
		topic, ok := c.FindTopicBySubjectID(id)
		if !ok {
			return
		}
		c.IngestTopicTransfer(topic, senderNodeID, &cy.Transfer{
			Metadata:  cy.TransferMetadata{RemoteNodeID: senderNodeID, TransferID: transferID},
			Timestamp: c.Now(),
			Payload:   cy.NewBuffer(append([]byte(nil), payload...), nil),
		})
	case frameKindResponse:
		if id != cy.RPCServiceIDTopicResponse {
			return
		}
		c.IngestTopicResponseTransfer(
			cy.TransferMetadata{RemoteNodeID: senderNodeID, TransferID: transferID},
			cy.NewBuffer(append([]byte(nil), payload...), nil),
		)
	}
}

func (t *Transport) broadcast(kind byte, id uint16, transferID uint64, payload []byte) error {
	t.mu.Lock()
	nodeID := t.nodeID
	t.mu.Unlock()

	frame := make([]byte, frameHeaderLen+len(payload))
	frame[0] = kind
	binary.LittleEndian.PutUint16(frame[1:3], nodeID)
	binary.LittleEndian.PutUint16(frame[3:5], id)
	binary.LittleEndian.PutUint64(frame[5:13], transferID)
	copy(frame[frameHeaderLen:], payload)

	var firstErr error
	for _, peer := range t.peers {
		if _, err := t.conn.WriteToUDP(frame, peer); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- cy.Platform ---

func (t *Transport) Now() cy.Microseconds {
	return cy.Microseconds(time.Since(t.startedAt).Microseconds())
}

func (t *Transport) PRNG() uint64 {
	b := xid.New().Bytes()
	return binary.BigEndian.Uint64(b[:8])
}

func (t *Transport) NodeIDSet(c *cy.Cy) error {
	t.mu.Lock()
	t.nodeID = c.NodeID()
	t.mu.Unlock()
	return nil
}

func (t *Transport) NodeIDClear(c *cy.Cy) {
	t.mu.Lock()
	t.nodeID = cy.NodeIDInvalid
	t.mu.Unlock()
}

func (t *Transport) NodeIDBloom(c *cy.Cy) *cy.Bloom { return t.bloom }

func (t *Transport) Request(c *cy.Cy, serviceID uint16, meta cy.TransferMetadata, deadline cy.Microseconds, payload *cy.View) error {
	data := gather(payload)
	t.log.Debug("sending rpc request", zap.String("request_id", xid.New().String()), zap.Uint16("service_id", serviceID))
	return t.broadcast(frameKindResponse, serviceID, meta.TransferID, data)
}

func (t *Transport) TopicNew(topic *cy.Topic) error { return nil }
func (t *Transport) TopicDestroy(topic *cy.Topic) {
	t.mu.Lock()
	delete(t.topicByRef, topic)
	t.mu.Unlock()
}

func (t *Transport) TopicPublish(topic *cy.Topic, deadline cy.Microseconds, payload *cy.View) error {
	data := gather(payload)
	if topic.Name() == cy.HeartbeatTopicName {
		return t.broadcast(frameKindHeartbeat, 0, topic.PubTransferID(), data)
	}
	return t.broadcast(frameKindData, topic.SubjectID(), topic.PubTransferID(), data)
}

func (t *Transport) TopicSubscribe(topic *cy.Topic) error {
	t.mu.Lock()
	t.topicByRef[topic] = topic.SubjectID()
	t.mu.Unlock()
	return nil
}

func (t *Transport) TopicUnsubscribe(topic *cy.Topic) {
	t.mu.Lock()
	delete(t.topicByRef, topic)
	t.mu.Unlock()
}

func (t *Transport) TopicHandleResubscriptionError(topic *cy.Topic, err error) {
	t.log.Warn("resubscription failed", zap.String("topic", topic.Name()), zap.Error(err))
}

func (t *Transport) Limits() cy.PlatformLimits { return t.limits }

func gather(v *cy.View) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, v.Size())
	v.Gather(buf)
	return buf
}
