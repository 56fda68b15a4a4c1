package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cymesh/cy/pkg/cy"
	"github.com/cymesh/cy/platform/udploop"
)

var (
	flagListen    string
	flagPeers     []string
	flagTopic     string
	flagNodeID    uint16
	flagNamespace string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "start a node and join the mesh",
	RunE:  runNode,
}

func init() {
	runCmd.Flags().StringVar(&flagListen, "listen", ":9900", "UDP address to listen on")
	runCmd.Flags().StringSliceVar(&flagPeers, "peer", nil, "peer UDP address to gossip with (repeatable)")
	runCmd.Flags().StringVar(&flagTopic, "topic", "", "topic name to subscribe to and echo inbound messages from")
	runCmd.Flags().Uint16Var(&flagNodeID, "node-id", cy.NodeIDInvalid, "explicit node-id; omit to auto-assign")
	runCmd.Flags().StringVar(&flagNamespace, "namespace", "/", "default namespace for relative topic names")
}

func runNode(c *cobra.Command, args []string) (err error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("cydemo: build logger: %w", err)
	}
	// zap's own Sync error and whatever the transport's serve loop exits
	// with are two independent, typically-harmless failures (Sync commonly
	// errors on a non-syncable stderr; the serve loop errors on socket
	// teardown) -- multierr.Append lets the caller see both instead of one
	// silently overwriting the other.
	defer func() {
		err = multierr.Append(err, logger.Sync())
	}()

	transport, err := udploop.New(udploop.Config{
		ListenAddr:     flagListen,
		PeerAddrs:      flagPeers,
		NodeIDMax:      65534,
		TransferIDMask: ^uint64(0),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("cydemo: build transport: %w", err)
	}

	uid := xid.New()
	node, err := cy.New(transport, cy.Config{
		UID:       binaryUID(uid),
		NodeID:    flagNodeID,
		Namespace: flagNamespace,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("cydemo: start node: %w", err)
	}
	transport.Bind(node)
	defer node.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- transport.Serve(ctx)
	}()
	defer func() {
		cancel()
		err = multierr.Append(err, <-serveDone)
	}()

	if flagTopic != "" {
		topic, err := node.Topic(flagTopic)
		if err != nil {
			return fmt.Errorf("cydemo: create topic %q: %w", flagTopic, err)
		}
		_, err = node.Subscribe(topic, func(sub *cy.Subscription) {
			t := sub.Topic()
			if tr := t.LastTransfer(); tr != nil {
				logger.Info("message received",
					zap.String("topic", t.Name()),
					zap.Uint16("from_node_id", tr.Metadata.RemoteNodeID),
					zap.Int("payload_bytes", len(tr.Payload.Data)))
			}
		}, nil)
		if err != nil {
			logger.Warn("initial subscribe failed, will retry on reallocation", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	logger.Info("cydemo node running", zap.String("listen", flagListen), zap.Strings("peers", flagPeers))
	for {
		select {
		case <-ticker.C:
			node.Update()
		case <-sigCh:
			logger.Info("shutting down")
			return nil
		}
	}
}

// binaryUID folds a 12-byte xid into a nonzero uint64 for cy.Config.UID.
func binaryUID(id xid.ID) uint64 {
	b := id.Bytes()
	var v uint64
	for i := 0; i < 8; i++ {
		v = (v << 8) | uint64(b[i])
	}
	if v == 0 {
		v = 1
	}
	return v
}
