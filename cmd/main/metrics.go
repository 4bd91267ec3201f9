package main

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dagbft/logs"
)

// serveMetrics 每个节点一个路径：/metrics/0, /metrics/1 ...
func serveMetrics(addr string, c *cluster) *http.Server {
	mux := http.NewServeMux()
	for i, n := range c.nodes {
		mux.Handle(fmt.Sprintf("/metrics/%d", i), promhttp.HandlerFor(n.Stats().Registry(), promhttp.HandlerOpts{}))
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Error("[Simulator] metrics server: %v", err)
		}
	}()
	fmt.Printf("📈 Metrics on http://%s/metrics/{0..%d}\n", addr, len(c.nodes)-1)
	return srv
}

func monitorProgress(ctx context.Context, c *cluster, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			printProgress(c)
		}
	}
}

func printProgress(c *cluster) {
	var sb strings.Builder
	sb.WriteString("\n========== Progress ==========\n")
	for _, p := range c.progress() {
		sb.WriteString(fmt.Sprintf("Node %-3d size=%-5d finalized=%-5d empty=%-4d period=%d round=%d step=%d 2t+1=%d dag=%d\n",
			p.Index, p.ChainSize, p.Finalized, p.EmptyCount,
			p.Status.Period, p.Status.Round, p.Status.Step, p.Status.TwoTPlusOne, p.Status.DagSize))
	}
	sb.WriteString("==============================")
	fmt.Println(sb.String())
}

// printSummary 退出前汇总各节点的计数器，检查各节点在共同高度上的链是否一致
func printSummary(c *cluster) {
	printProgress(c)

	var minSize uint64
	for i, n := range c.nodes {
		snap := n.Stats().Snapshot()
		reasons := make([]string, 0, len(snap.VotesRejected))
		for r, cnt := range snap.VotesRejected {
			reasons = append(reasons, fmt.Sprintf("%s=%d", r, cnt))
		}
		sort.Strings(reasons)
		fmt.Printf("Node %-3d dag proposed=%d inserted=%d votes=%d rejected=[%s] equivocations=%d periods=%d\n",
			i, snap.DagBlocksProposed, snap.DagBlocksInserted, snap.VotesReceived,
			strings.Join(reasons, " "), snap.Equivocations, snap.PeriodsFinalized)
		if size := n.GetPbftChainSize(); i == 0 || size < minSize {
			minSize = size
		}
	}

	if len(c.nodes) == 0 || minSize == 0 {
		return
	}
	want, _ := c.nodes[0].Chain().PbftBlockHash(minSize)
	for i, n := range c.nodes[1:] {
		if got, _ := n.Chain().PbftBlockHash(minSize); got != want {
			fmt.Printf("❌ Node %d disagrees with node 0 at period %d\n", i+1, minSize)
			return
		}
	}
	fmt.Printf("✅ All %d nodes agree up to period %d (%s)\n", len(c.nodes), minSize, want.TerminalString())
}
