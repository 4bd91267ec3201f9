package main

import (
	"context"
	"fmt"
	mrand "math/rand"
	"time"

	"github.com/shopspring/decimal"

	"dagbft/logs"
	"dagbft/types"
)

// txGenerator 随机在节点之间产生转账交易
type txGenerator struct {
	c        *cluster
	interval time.Duration
	nonces   map[types.Address]uint64
	sent     uint64
}

func newTxGenerator(c *cluster, interval time.Duration) *txGenerator {
	return &txGenerator{c: c, interval: interval, nonces: make(map[types.Address]uint64)}
}

// generateTransferTx 负载里只记录收款方和金额，共识不解释交易内容
func generateTransferTx(from, to types.Address, amount decimal.Decimal, nonce uint64) *types.Transaction {
	return &types.Transaction{
		Nonce:   nonce,
		From:    from,
		Payload: []byte(fmt.Sprintf("transfer:%s:%s", to.Hex(), amount.StringFixed(4))),
	}
}

func (g *txGenerator) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logs.Verbose("[Simulator] generated %d transactions", g.sent)
			return
		case <-ticker.C:
			g.sendOne()
		}
	}
}

func (g *txGenerator) sendOne() {
	nodes := g.c.nodes
	from := nodes[mrand.Intn(len(nodes))]
	to := nodes[mrand.Intn(len(nodes))]

	g.nonces[from.Address()]++
	amount := decimal.New(mrand.Int63n(1_000_000), -4)
	tx := generateTransferTx(from.Address(), to.Address(), amount, g.nonces[from.Address()])
	if err := from.SubmitTransaction(tx); err != nil {
		logs.Debug("[Simulator] submit %s: %v", tx.Hash().TerminalString(), err)
		return
	}
	g.sent++
	logs.Trace("[Simulator] transfer %s from %s to %s", tx.Hash().TerminalString(), from.ID(), to.ID())
}
