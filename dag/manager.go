package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"

	"dagbft/config"
	"dagbft/logs"
	"dagbft/stats"
	"dagbft/types"
)

var (
	ErrInvalidParent = errors.New("invalid parent")
	// ErrMissingParent 父块未知，属于 ErrInvalidParent 的一种，调用方可以先缓存再补块
	ErrMissingParent      = fmt.Errorf("%w: unknown parent", ErrInvalidParent)
	ErrInvalidLevel       = errors.New("invalid level")
	ErrUnknownAnchor      = errors.New("unknown anchor")
	ErrAnchorFinalized    = errors.New("anchor already finalized")
	ErrNonMonotonicPeriod = errors.New("non-monotonic period")
)

// Store DAG 管理器用到的持久化能力
type Store interface {
	PutDagBlock(block *types.DagBlock) error
	PutDagOrder(period uint64, order []types.Hash) error
}

type node struct {
	block  *types.DagBlock
	hash   types.Hash
	idx    uint32
	period uint64 // 最终确定所在周期，未确定时无意义
}

// Manager 维护区块 DAG：level、叶子集合、pivot 选择、最终确定顺序
type Manager struct {
	mu sync.RWMutex

	nodes  map[types.Hash]*node
	byIdx  []*node
	leaves map[types.Hash]struct{}

	finalized  *roaring.Bitmap
	lastPeriod uint64
	genesis    types.Hash

	cfg    config.DagConfig
	store  Store
	logger logs.Logger
	stats  *stats.Stats
}

// NewManager genesis 为 level 0，视为在第 0 周期已最终确定
func NewManager(genesis *types.DagBlock, cfg config.DagConfig, store Store, logger logs.Logger, st *stats.Stats) (*Manager, error) {
	if genesis == nil || genesis.Level != 0 {
		return nil, fmt.Errorf("genesis block must have level 0")
	}
	if logger == nil {
		logger = logs.Default()
	}
	m := &Manager{
		nodes:     make(map[types.Hash]*node),
		leaves:    make(map[types.Hash]struct{}),
		finalized: roaring.New(),
		cfg:       cfg,
		store:     store,
		logger:    logger,
		stats:     st,
	}
	if store != nil {
		if err := store.PutDagBlock(genesis); err != nil {
			return nil, err
		}
	}
	g := m.addNode(genesis)
	m.finalized.Add(g.idx)
	m.genesis = g.hash
	return m, nil
}

func (m *Manager) addNode(b *types.DagBlock) *node {
	n := &node{block: b, hash: b.Hash(), idx: uint32(len(m.byIdx))}
	m.byIdx = append(m.byIdx, n)
	m.nodes[n.hash] = n
	if b.Level > 0 {
		for _, p := range b.Parents() {
			delete(m.leaves, p)
		}
	}
	m.leaves[n.hash] = struct{}{}
	return n
}

// InsertBlock 返回 false, nil 表示区块已存在
func (m *Manager) InsertBlock(b *types.DagBlock) (bool, error) {
	hash := b.Hash()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[hash]; ok {
		return false, nil
	}
	if err := m.checkParents(b); err != nil {
		return false, err
	}
	if m.store != nil {
		if err := m.store.PutDagBlock(b); err != nil {
			return false, fmt.Errorf("persist dag block %s: %w", hash.Hex(), err)
		}
	}
	m.addNode(b)
	if m.stats != nil {
		m.stats.IncDagBlockInserted()
	}
	m.logger.Debug("[DagManager] inserted %s", b)
	return true, nil
}

func (m *Manager) checkParents(b *types.DagBlock) error {
	pivot, ok := m.nodes[b.Pivot]
	if !ok {
		return fmt.Errorf("%w: pivot %s", ErrMissingParent, b.Pivot.Hex())
	}
	maxLevel := pivot.block.Level
	seen := make(map[types.Hash]struct{}, len(b.Tips))
	for _, tip := range b.Tips {
		if tip == b.Pivot {
			return fmt.Errorf("%w: tip %s equals pivot", ErrInvalidParent, tip.Hex())
		}
		if _, dup := seen[tip]; dup {
			return fmt.Errorf("%w: duplicate tip %s", ErrInvalidParent, tip.Hex())
		}
		seen[tip] = struct{}{}
		tn, ok := m.nodes[tip]
		if !ok {
			return fmt.Errorf("%w: tip %s", ErrMissingParent, tip.Hex())
		}
		if tn.block.Level > maxLevel {
			maxLevel = tn.block.Level
		}
	}
	if b.Level != maxLevel+1 {
		return fmt.Errorf("%w: got %d, expected %d", ErrInvalidLevel, b.Level, maxLevel+1)
	}
	return nil
}

// MissingParents 返回区块引用的、本地还没有的父块
func (m *Manager) MissingParents(b *types.DagBlock) []types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Hash
	for _, p := range b.Parents() {
		if _, ok := m.nodes[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// sortedLeaves level 降序，同 level 按哈希升序
func (m *Manager) sortedLeaves() []*node {
	out := make([]*node, 0, len(m.leaves))
	for h := range m.leaves {
		out = append(out, m.nodes[h])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].block.Level != out[j].block.Level {
			return out[i].block.Level > out[j].block.Level
		}
		return types.HashLess(out[i].hash, out[j].hash)
	})
	return out
}

// GetLatestPivotAndTips pivot 是 level 最高（平局取哈希最小）的叶子，其余叶子作为 tips
func (m *Manager) GetLatestPivotAndTips() (types.Hash, []types.Hash) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	leaves := m.sortedLeaves()
	pivot := leaves[0].hash
	tips := make([]types.Hash, 0, len(leaves)-1)
	for _, n := range leaves[1:] {
		if m.cfg.MaxTips > 0 && len(tips) >= m.cfg.MaxTips {
			break
		}
		tips = append(tips, n.hash)
	}
	return pivot, tips
}

// Leaves 当前所有叶子，按哈希升序
func (m *Manager) Leaves() []types.Hash {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Hash, 0, len(m.leaves))
	for h := range m.leaves {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return types.HashLess(out[i], out[j]) })
	return out
}

// GetDagBlockOrder anchor 的因果历史里尚未最终确定的区块，后序遍历：
// 先按哈希升序走 tips，再走 pivot，最后输出自己
func (m *Manager) GetDagBlockOrder(anchor types.Hash, period uint64) ([]types.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if period != m.lastPeriod+1 {
		return nil, fmt.Errorf("%w: order for period %d, last finalized %d", ErrNonMonotonicPeriod, period, m.lastPeriod)
	}
	return m.orderLocked(anchor)
}

func (m *Manager) orderLocked(anchor types.Hash) ([]types.Hash, error) {
	if anchor == types.NullBlockHash {
		return nil, nil
	}
	root, ok := m.nodes[anchor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAnchor, anchor.Hex())
	}
	if m.finalized.Contains(root.idx) {
		return nil, fmt.Errorf("%w: %s in period %d", ErrAnchorFinalized, anchor.Hex(), root.period)
	}

	type frame struct {
		n       *node
		parents []types.Hash
		next    int
	}
	visited := roaring.New()
	var order []types.Hash

	push := func(stack []frame, n *node) []frame {
		visited.Add(n.idx)
		tips := append([]types.Hash(nil), n.block.Tips...)
		sort.Slice(tips, func(i, j int) bool { return types.HashLess(tips[i], tips[j]) })
		parents := tips
		if n.block.Level > 0 {
			parents = append(parents, n.block.Pivot)
		}
		return append(stack, frame{n: n, parents: parents})
	}

	stack := push(nil, root)
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.parents) {
			ph := top.parents[top.next]
			top.next++
			pn, ok := m.nodes[ph]
			// 被裁剪掉的父块一定已经最终确定
			if !ok || m.finalized.Contains(pn.idx) || visited.Contains(pn.idx) {
				continue
			}
			stack = push(stack, pn)
			continue
		}
		order = append(order, top.n.hash)
		stack = stack[:len(stack)-1]
	}
	return order, nil
}

// SetDagBlockOrder 把 anchor 的未确定历史标记为 period 周期确定，并写入顺序索引。
// 空 anchor 只推进周期号
func (m *Manager) SetDagBlockOrder(anchor types.Hash, period uint64) ([]types.Hash, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if period != m.lastPeriod+1 {
		return nil, fmt.Errorf("%w: finalize period %d, last finalized %d", ErrNonMonotonicPeriod, period, m.lastPeriod)
	}
	order, err := m.orderLocked(anchor)
	if err != nil {
		return nil, err
	}
	// 先落盘，失败时内存状态不变，调用方可以重试
	if m.store != nil {
		if err := m.store.PutDagOrder(period, order); err != nil {
			return nil, fmt.Errorf("persist dag order %d: %w", period, err)
		}
	}
	for _, h := range order {
		n := m.nodes[h]
		n.period = period
		m.finalized.Add(n.idx)
	}
	m.lastPeriod = period
	m.logger.Debug("[DagManager] period %d finalized %d blocks, anchor %s", period, len(order), anchor.TerminalString())
	return order, nil
}

// Prune 删除 belowPeriod 之前已确定的区块；叶子保留
func (m *Manager) Prune(belowPeriod uint64) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for h, n := range m.nodes {
		if h == m.genesis || !m.finalized.Contains(n.idx) || n.period >= belowPeriod {
			continue
		}
		if _, leaf := m.leaves[h]; leaf {
			continue
		}
		delete(m.nodes, h)
		m.byIdx[n.idx] = nil
		removed++
	}
	if removed > 0 {
		m.logger.Debug("[DagManager] pruned %d blocks below period %d", removed, belowPeriod)
	}
	return removed
}

func (m *Manager) GetBlock(hash types.Hash) (*types.DagBlock, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[hash]
	if !ok {
		return nil, false
	}
	return n.block, true
}

func (m *Manager) HasBlock(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.nodes[hash]
	return ok
}

// IsFinalized 未知区块返回 false
func (m *Manager) IsFinalized(hash types.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[hash]
	return ok && m.finalized.Contains(n.idx)
}

// HasHistory anchor 和它所有未确定的祖先都在本地
func (m *Manager) HasHistory(anchor types.Hash) bool {
	if anchor == types.NullBlockHash {
		return true
	}
	return m.HasBlock(anchor)
}

func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.nodes)
}

func (m *Manager) LastPeriod() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastPeriod
}

func (m *Manager) Genesis() types.Hash {
	return m.genesis
}

// MaxLevel 所有叶子里的最高 level
func (m *Manager) MaxLevel() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var max uint64
	for h := range m.leaves {
		if l := m.nodes[h].block.Level; l > max {
			max = l
		}
	}
	return max
}
