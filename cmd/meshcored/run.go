package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/driftmesh/core/aeadcipher"
	"github.com/driftmesh/core/config"
	"github.com/driftmesh/core/meshcore"
	"github.com/driftmesh/core/metrics"
	"github.com/driftmesh/core/noise"
	"github.com/driftmesh/core/queue"
	"github.com/driftmesh/core/session"
	"github.com/driftmesh/core/transport/wslink"
)

var (
	runConfigPath   string
	runNodeID       string
	runIdentityFile string
	runListenAddr   string
	runPeers        []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a mesh node",
	Long: `run starts one mesh node: it listens for inbound peer links (if
--listen is given), dials any --peer links, and keeps the queue, relay,
and sync engines running until interrupted.

--peer takes "peerID=wsURL" pairs, e.g. --peer bob=ws://10.0.0.2:8443/mesh`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to a YAML config file (defaults applied for anything omitted)")
	runCmd.Flags().StringVar(&runNodeID, "node-id", "", "this node's id (required)")
	runCmd.Flags().StringVar(&runIdentityFile, "identity-key", "", "path to this node's hex-encoded identity key, from 'meshcored keygen' (required)")
	runCmd.Flags().StringVar(&runListenAddr, "listen", "", "address to accept inbound peer links on, e.g. :8443")
	runCmd.Flags().StringArrayVar(&runPeers, "peer", nil, "peerID=wsURL pairs to dial on startup")
	_ = runCmd.MarkFlagRequired("node-id")
	_ = runCmd.MarkFlagRequired("identity-key")
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck
	log := logger.Sugar()

	cfg := config.Default()
	if runConfigPath != "" {
		cfg, err = config.Load(runConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
	}

	hexKey, err := os.ReadFile(runIdentityFile)
	if err != nil {
		return fmt.Errorf("read identity key: %w", err)
	}
	static, err := decodeIdentityKey(strings.TrimSpace(string(hexKey)))
	if err != nil {
		return fmt.Errorf("decode identity key: %w", err)
	}

	core, err := meshcore.New(runNodeID, cfg, queue.NopStore{}, nil, log)
	if err != nil {
		return fmt.Errorf("init core: %w", err)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if runListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/mesh", func(w http.ResponseWriter, r *http.Request) {
			peerID := r.URL.Query().Get("peer")
			if peerID == "" {
				http.Error(w, "missing peer query param", http.StatusBadRequest)
				return
			}
			link, err := wslink.Accept(w, r, peerID, wslink.DefaultMTU)
			if err != nil {
				log.Errorw("accept inbound link failed", "peer", peerID, "error", err)
				return
			}
			sess := noise.NewXXSession(noise.Responder, static, peerID, aeadcipher.DefaultPolicy())
			adapter := session.NewAdapter(link, sess, nil, nil, core.Dispatch(), log)
			core.AddSession(peerID, adapter)
			go runAdapter(ctx, core, peerID, adapter, log)
		})
		server := &http.Server{Addr: runListenAddr, Handler: mux}
		go func() {
			log.Infow("listening", "addr", runListenAddr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("listener stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			_ = server.Close()
		}()
	}

	for _, spec := range runPeers {
		peerID, url, ok := strings.Cut(spec, "=")
		if !ok {
			return fmt.Errorf("malformed --peer %q, want peerID=wsURL", spec)
		}
		link, err := wslink.Dial(ctx, url, peerID, wslink.DefaultMTU)
		if err != nil {
			return fmt.Errorf("dial peer %s: %w", peerID, err)
		}
		sess := noise.NewXXSession(noise.Initiator, static, peerID, aeadcipher.DefaultPolicy())
		adapter := session.NewAdapter(link, sess, nil, nil, core.Dispatch(), log)
		core.AddSession(peerID, adapter)
		go runAdapter(ctx, core, peerID, adapter, log)
	}

	log.Infow("node running", "node_id", runNodeID)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func runAdapter(ctx context.Context, core *meshcore.Core, peerID string, adapter *session.Adapter, log *zap.SugaredLogger) {
	defer core.RemoveSession(peerID)
	if err := adapter.Run(ctx); err != nil && ctx.Err() == nil {
		log.Errorw("adapter stopped", "peer", peerID, "error", err)
	}
}

func decodeIdentityKey(hexKey string) (*noise.PrivateKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, err
	}
	return noise.PrivateKeyFromBytes(raw), nil
}
