package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"dagbft/config"
	"dagbft/dpos"
	"dagbft/interfaces"
	"dagbft/logs"
	"dagbft/network"
	"dagbft/node"
	"dagbft/types"
	"dagbft/utils"
)

// 所有节点共用的创世块，时间戳固定，保证 --keep-data 重启后哈希不变
const genesisTimestamp = 1700000000

// cluster 同一进程内的一组节点，共享本地网络和质押表
type cluster struct {
	net    *network.LocalNetwork
	oracle *dpos.StaticOracle
	nodes  []*node.Node

	mu        sync.Mutex
	finalized map[int]uint64 // 节点下标 -> 最新确定的周期
	emptyRuns map[int]uint64 // 节点下标 -> 确定的空块数
}

// simKey 模拟节点的私钥由下标派生，重启后身份不变
func simKey(i int) (*utils.KeyPair, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i))
	seed := utils.Keccak256([]byte("dagbft-sim-node"), buf[:])
	return utils.ParsePrivateKeyHex(seed.Hex())
}

func newCluster(cfg *config.Config, numNodes int, keepData bool) (*cluster, error) {
	c := &cluster{
		net:       network.NewLocalNetwork(cfg.Network, logs.NewNodeLogger("network", logs.ParseLevel(cfg.Node.LogLevel))),
		oracle:    dpos.NewStaticOracle(),
		finalized: make(map[int]uint64),
		emptyRuns: make(map[int]uint64),
	}
	keys := make([]*utils.KeyPair, numNodes)
	for i := range keys {
		kp, err := simKey(i)
		if err != nil {
			return nil, fmt.Errorf("derive key for node %d: %w", i, err)
		}
		keys[i] = kp
		c.oracle.RegisterKeys(kp, cfg.Node.Stake)
	}

	genesis := types.NewGenesisBlock(genesisTimestamp)
	for i, kp := range keys {
		nodeCfg := *cfg
		nodeCfg.Database.Path = filepath.Join(cfg.Node.DataDir, fmt.Sprintf("node_%d", i))
		if !keepData {
			// 清理旧数据
			if err := os.RemoveAll(nodeCfg.Database.Path); err != nil {
				return nil, err
			}
		}
		n, err := node.NewNode(node.Options{
			Config:  &nodeCfg,
			Keys:    kp,
			Oracle:  c.oracle,
			Genesis: genesis,
			Network: c.net,
		})
		if err != nil {
			c.Stop()
			return nil, fmt.Errorf("init node %d: %w", i, err)
		}
		c.nodes = append(c.nodes, n)
		c.watch(i, n)
		fmt.Printf("  ✔ Node %d initialized (%s, chain size %d)\n", i, kp.Address.Hex(), n.GetPbftChainSize())
	}
	return c, nil
}

// watch 订阅节点的周期确定事件
func (c *cluster) watch(i int, n *node.Node) {
	n.Events().Subscribe(types.EventPeriodFinalized, func(e interfaces.Event) {
		pd, ok := e.Data().(*types.PeriodData)
		if !ok {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if pd.PbftBlock.Period > c.finalized[i] {
			c.finalized[i] = pd.PbftBlock.Period
		}
		if pd.PbftBlock.PivotDagHash == types.NullBlockHash {
			c.emptyRuns[i]++
		}
	})
}

func (c *cluster) Start(ctx context.Context) {
	for _, n := range c.nodes {
		n.Start(ctx)
	}
}

func (c *cluster) Stop() {
	var wg sync.WaitGroup
	for _, n := range c.nodes {
		wg.Add(1)
		go func(n *node.Node) {
			defer wg.Done()
			n.Stop()
		}(n)
	}
	wg.Wait()
	c.net.Close()
}

type nodeProgress struct {
	Index      int
	ChainSize  uint64
	Finalized  uint64
	EmptyCount uint64
	Status     node.Status
}

func (c *cluster) progress() []nodeProgress {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]nodeProgress, 0, len(c.nodes))
	for i, n := range c.nodes {
		out = append(out, nodeProgress{
			Index:      i,
			ChainSize:  n.GetPbftChainSize(),
			Finalized:  c.finalized[i],
			EmptyCount: c.emptyRuns[i],
			Status:     n.Status(),
		})
	}
	return out
}
