package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cellcore/core"
	"cellcore/pkg/config"
	"cellcore/pkg/utils"
)

var (
	envName string
	cfg     *config.Config
	log     = logrus.StandardLogger()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cellcore",
		Short: "join and inspect Cell Core nodes",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load() // optional local .env, missing file is not an error
			loaded, err := config.Load(envName)
			if err != nil {
				return utils.Wrap(err, "load config")
			}
			cfg = loaded
			if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
				log.SetLevel(lvl)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&envName, "env", "", "environment overlay (merges cmd/config/<env>.yaml)")

	rootCmd.AddCommand(joinCmd())
	rootCmd.AddCommand(chainCmd())
	rootCmd.AddCommand(gossipCmd())
	rootCmd.AddCommand(cascadeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildCellConfig translates the loaded viper config into the CellConfig
// JoinCell expects, scoping the DNA to the given space the way the teacher
// scopes a node's listening address to its configured network section.
func buildCellConfig(space string) core.CellConfig {
	return core.CellConfig{
		Space:         space,
		Dna:           core.ComputeHash(core.HashTypeDna, []byte(space)),
		ChainOrdering: core.Strict,
		Arc:           core.FullArc(0),
		CacheTTL:      5 * time.Minute,

		ValidationBaseDelay:  time.Duration(cfg.Validation.BackoffBaseMS) * time.Millisecond,
		ValidationCapDelay:   time.Duration(cfg.Validation.BackoffCapMS) * time.Millisecond,
		ValidationMaxRetries: cfg.Validation.MaxRetries,

		Gossip: core.GossipEngineConfig{
			Space:                   space,
			RecentBandwidthMbps:     cfg.Gossip.RecentBandwidthMbps,
			HistoricalBandwidthMbps: cfg.Gossip.HistoricalBandwidthMbps,
			MaxMessageBytes:         4 << 20,
			RecentRegionSize:        core.DefaultRecentRegionSize,
			HistoricalRegionSize:    core.DefaultHistoricalRegionSize,
			StageTimeout:            10 * time.Second,
			MaxRecentSessions:       cfg.Gossip.MaxRecentSessions,
			MaxHistoricalSessions:   cfg.Gossip.MaxHistoricalSessions,
		},
		PeerConnectErrorTTL:      time.Minute,
		RecentGossipInterval:     time.Duration(cfg.Gossip.RecentThresholdMinutes) * time.Minute,
		HistoricalGossipInterval: time.Hour,
	}
}

// joinNetworked brings up a libp2p host for space, honoring cfg.Network, or
// returns nil (a network-less, single-process cell) if requested.
func joinNetworked(ctx context.Context, space string, networked bool) (*core.P2PNode, error) {
	if !networked {
		return nil, nil
	}
	return core.NewP2PNode(ctx, space, cfg.Network.ListenAddr, cfg.Network.DiscoveryTag, cfg.Network.BootstrapPeers)
}

// loadWasmModule compiles a zome's wasm bytecode into a core.WasmModule, or
// returns nil if no path was given (a DNA with no zome code: app validation
// accepts every op and zome calls return an error, per JoinCell's doc comment).
func loadWasmModule(path string) (core.WasmModule, error) {
	if path == "" {
		return nil, nil
	}
	bytecode, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.Wrap(err, "read wasm module")
	}
	module, err := core.NewWasmerModule(bytecode)
	if err != nil {
		return nil, utils.Wrap(err, "instantiate wasm module")
	}
	return module, nil
}

func joinCmd() *cobra.Command {
	var networked bool
	var wasmPath string
	cmd := &cobra.Command{
		Use:   "join <space> <agent-label>",
		Short: "join a space as a fresh agent and block until interrupted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			space, label := args[0], args[1]
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			p2p, err := joinNetworked(ctx, space, networked)
			if err != nil {
				return utils.Wrap(err, "start p2p node")
			}
			module, err := loadWasmModule(wasmPath)
			if err != nil {
				return err
			}

			cell, err := core.JoinCell(ctx, buildCellConfig(space), core.NewInMemoryKeystore(), nil, module, nil, p2p, log)
			if err != nil {
				return utils.Wrap(err, "join cell")
			}
			log.WithFields(logrus.Fields{"space": space, "agent": label, "pubkey": cell.Agent()}).Info("cell joined")

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return cell.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().BoolVar(&networked, "networked", true, "bring up a libp2p host and mDNS discovery")
	cmd.Flags().StringVar(&wasmPath, "wasm", "", "path to a compiled zome's wasm bytecode (omit for a code-less DNA)")
	return cmd
}

func chainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain"}
	cmd.AddCommand(&cobra.Command{
		Use:   "query <space>",
		Short: "print this process's authored chain for an ephemeral agent in space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			space := args[0]
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			cell, err := core.JoinCell(ctx, buildCellConfig(space), core.NewInMemoryKeystore(), nil, nil, nil, nil, log)
			if err != nil {
				return utils.Wrap(err, "join cell")
			}
			defer cell.Shutdown(ctx)

			for _, rec := range cell.Authored().All() {
				hh, _ := core.HashHeader(rec.Signed.Header)
				fmt.Printf("%s  author=%s  published=%v  ops=%d\n",
					hh, rec.Signed.Header.GetAuthor(), rec.Published, len(rec.Ops))
			}
			return nil
		},
	})
	return cmd
}

func gossipCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "gossip"}
	cmd.AddCommand(&cobra.Command{
		Use:   "status <space>",
		Short: "summarize peer and DHT op lifecycle state for a fresh agent in space",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			space := args[0]
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			p2p, err := joinNetworked(ctx, space, true)
			if err != nil {
				return utils.Wrap(err, "start p2p node")
			}
			cell, err := core.JoinCell(ctx, buildCellConfig(space), core.NewInMemoryKeystore(), nil, nil, nil, p2p, log)
			if err != nil {
				return utils.Wrap(err, "join cell")
			}
			defer cell.Shutdown(ctx)

			time.Sleep(2 * time.Second) // give mDNS a moment to surface peers
			peers := cell.Peers().AllAgentInfo()
			fmt.Printf("peers known: %d\n", len(peers))
			for _, p := range peers {
				fmt.Printf("  %s  urls=%v  expires=%s\n", p.Agent, p.URLs, p.ExpiresAt.Format(time.RFC3339))
			}

			counts := map[core.OpLifecycleState]int{}
			for _, rec := range cell.Dht().AllRecords() {
				counts[core.StateOf(rec)]++
			}
			fmt.Println("dht op states:")
			for state, n := range counts {
				fmt.Printf("  %s: %d\n", state, n)
			}
			return nil
		},
	})
	return cmd
}

func cascadeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cascade"}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <space> <hex-hash>",
		Short: "resolve a header/entry hash through the multi-tier cascade",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			space, hexHash := args[0], args[1]
			raw, err := hex.DecodeString(hexHash)
			if err != nil {
				return utils.Wrap(err, "decode hash hex")
			}
			addr, err := core.DecodeHash(raw)
			if err != nil {
				return utils.Wrap(err, "decode hash")
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			p2p, err := joinNetworked(ctx, space, true)
			if err != nil {
				return utils.Wrap(err, "start p2p node")
			}
			cell, err := core.JoinCell(ctx, buildCellConfig(space), core.NewInMemoryKeystore(), nil, nil, nil, p2p, log)
			if err != nil {
				return utils.Wrap(err, "join cell")
			}
			defer cell.Shutdown(ctx)

			el, err := cell.Cascade().GetElement(ctx, addr)
			if err != nil {
				return utils.Wrap(err, "cascade get")
			}
			fmt.Printf("header: %+v\nentry:  %+v\n", el.Signed.Header, el.Entry)
			return nil
		},
	})
	return cmd
}
