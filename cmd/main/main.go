package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"dagbft/config"
)

type simulateFlags struct {
	configPath  string
	nodes       int
	duration    time.Duration
	txInterval  time.Duration
	metricsAddr string
	keepData    bool
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "dagbft",
		Short:        "PBFT over DAG consensus engine",
		SilenceUsage: true,
	}
	root.AddCommand(simulateCommand())
	return root
}

func simulateCommand() *cobra.Command {
	f := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Runs N nodes on an in-process network",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSimulate(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&f.configPath, "config", "", "config file (yaml/json/toml)")
	cmd.Flags().IntVar(&f.nodes, "nodes", 0, "number of nodes, 0 uses network.default_num_nodes")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "stop after this long, 0 runs until interrupted")
	cmd.Flags().DurationVar(&f.txInterval, "tx-interval", 200*time.Millisecond, "interval between generated transactions, 0 disables")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve per-node prometheus metrics on this address")
	cmd.Flags().BoolVar(&f.keepData, "keep-data", false, "keep node databases from a previous run")
	return cmd
}

func runSimulate(parent context.Context, f *simulateFlags) error {
	cfg, err := config.LoadFromFile(f.configPath)
	if err != nil {
		return err
	}
	numNodes := f.nodes
	if numNodes <= 0 {
		numNodes = cfg.Network.DefaultNumNodes
	}
	if numNodes <= 0 {
		return fmt.Errorf("need at least one node")
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.duration)
		defer cancel()
	}

	fmt.Printf("🚀 Starting %d nodes (λ=%s, committee=%d)\n", numNodes, cfg.Pbft.Lambda, cfg.Pbft.CommitteeSize)
	cluster, err := newCluster(cfg, numNodes, f.keepData)
	if err != nil {
		return err
	}
	defer cluster.Stop()

	if f.metricsAddr != "" {
		srv := serveMetrics(f.metricsAddr, cluster)
		defer srv.Close()
	}

	cluster.Start(ctx)
	if f.txInterval > 0 {
		gen := newTxGenerator(cluster, f.txInterval)
		go gen.Run(ctx)
	}
	go monitorProgress(ctx, cluster, 5*time.Second)

	<-ctx.Done()
	fmt.Println("🛑 Shutting down...")
	printSummary(cluster)
	return nil
}
