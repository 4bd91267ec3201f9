package txpool

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"dagbft/config"
	"dagbft/logs"
	"dagbft/types"
)

// Store 交易池的持久化，nil 表示只在内存里
type Store interface {
	SavePendingTx(tx *types.Transaction) error
	DeletePendingTxs(hashes []types.Hash) error
	LoadPendingTxs() ([]*types.Transaction, error)
}

// TxPool 交易池：待打包交易 + 已打包未确定交易 + 交易体缓存
type TxPool struct {
	store Store

	mu      sync.RWMutex
	Logger  logs.Logger
	pending *lru.Cache // hash -> *types.Transaction，还没进任何 DAG 区块
	packed  *lru.Cache // hash -> struct{}，已进 DAG 区块、周期未确定
	cacheTx *lru.Cache // hash -> *types.Transaction，所有见过的交易体

	// 内部队列管理
	Queue     *txPoolQueue
	validator TxValidator

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// DB 持久化队列（固定 worker + 有界队列）
	pendingSaveQueue   chan *types.Transaction
	pendingSaveWorkers int
	cfg                config.TxPoolConfig
}

func NewTxPool(store Store, validator TxValidator, cfg config.TxPoolConfig, logger logs.Logger) (*TxPool, error) {
	if logger == nil {
		logger = logs.Default()
	}
	size := cfg.PendingTxCacheSize
	if size <= 0 {
		size = 100000
	}
	pending, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	packed, _ := lru.New(size)
	cacheTx, _ := lru.New(size * 2)

	tp := &TxPool{
		store:              store,
		Logger:             logger,
		pending:            pending,
		packed:             packed,
		cacheTx:            cacheTx,
		validator:          validator,
		stopChan:           make(chan struct{}),
		pendingSaveQueue:   make(chan *types.Transaction, 10000),
		pendingSaveWorkers: 2,
		cfg:                cfg,
	}
	tp.Queue = newTxPoolQueue(tp, validator)
	if err := tp.loadFromDB(); err != nil {
		return nil, err
	}
	return tp, nil
}

// Start 启动队列和落盘 worker
func (tp *TxPool) Start() {
	tp.wg.Add(1)
	go tp.Queue.runLoop()
	if tp.store != nil {
		for i := 0; i < tp.pendingSaveWorkers; i++ {
			tp.wg.Add(1)
			go tp.runPendingSaveWorker(i)
		}
	}
	tp.Logger.Info("[TxPool] Started")
}

// Stop 可重复调用
func (tp *TxPool) Stop() {
	tp.stopOnce.Do(func() {
		close(tp.stopChan)
		tp.wg.Wait()
		tp.Logger.Info("[TxPool] Stopped")
	})
}

// SubmitTx 异步提交，校验通过入池后回调 onAdded
func (tp *TxPool) SubmitTx(tx *types.Transaction, onAdded OnTxAddedCallback) error {
	if tx == nil {
		return fmt.Errorf("nil transaction")
	}
	if tp.HasTransaction(tx.Hash()) {
		return nil
	}
	if limit := tp.cfg.MaxPendingTxs; limit > 0 && tp.PendingLen() >= limit {
		return fmt.Errorf("txpool pending is full (%d/%d)", tp.PendingLen(), limit)
	}
	select {
	case tp.Queue.MsgChan <- &txPoolMessage{Type: msgAddTx, Tx: tx, OnAdded: onAdded}:
		return nil
	default:
		return fmt.Errorf("txpool queue is full (%d/%d)", len(tp.Queue.MsgChan), cap(tp.Queue.MsgChan))
	}
}

// Insert 同步入池。随 DAG 区块收到的交易走这里，已打包的交易只缓存交易体
func (tp *TxPool) Insert(tx *types.Transaction) bool {
	hash := tx.Hash()
	tp.mu.Lock()
	if tp.cacheTx.Contains(hash) {
		tp.mu.Unlock()
		return false
	}
	tp.cacheTx.Add(hash, tx)
	tp.pending.Add(hash, tx)
	tp.mu.Unlock()

	if tp.store != nil {
		select {
		case tp.pendingSaveQueue <- tx:
		case <-tp.stopChan:
		default:
			// 队列满时同步落盘
			tp.persist(tx, -1)
		}
	}
	return true
}

// HasTransaction 包括已打包未确定的交易
func (tp *TxPool) HasTransaction(hash types.Hash) bool {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.cacheTx.Contains(hash)
}

func (tp *TxPool) GetTransaction(hash types.Hash) (*types.Transaction, bool) {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	if v, ok := tp.cacheTx.Peek(hash); ok {
		return v.(*types.Transaction), true
	}
	return nil, false
}

// PackTransactions 按入池顺序取最多 maxCount 笔未打包交易，不修改状态
func (tp *TxPool) PackTransactions(maxCount int, accept func(types.Hash) bool) []types.Hash {
	tp.mu.RLock()
	defer tp.mu.RUnlock()

	var out []types.Hash
	for _, k := range tp.pending.Keys() {
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		h := k.(types.Hash)
		if accept != nil && !accept(h) {
			continue
		}
		out = append(out, h)
	}
	return out
}

// MarkPacked 交易进了 DAG 区块，不再参与打包
func (tp *TxPool) MarkPacked(hashes []types.Hash) {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for _, h := range hashes {
		tp.pending.Remove(h)
		tp.packed.Add(h, struct{}{})
	}
}

// RemoveFinalized 周期确定后清掉交易，交易体留在 cacheTx 里直到被挤出
func (tp *TxPool) RemoveFinalized(hashes []types.Hash) {
	tp.mu.Lock()
	for _, h := range hashes {
		tp.pending.Remove(h)
		tp.packed.Remove(h)
	}
	tp.mu.Unlock()

	if tp.store != nil {
		if err := tp.store.DeletePendingTxs(hashes); err != nil {
			tp.Logger.Warn("[TxPool] delete finalized txs failed: %v", err)
		}
	}
}

func (tp *TxPool) PendingLen() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.pending.Len()
}

func (tp *TxPool) PackedLen() int {
	tp.mu.RLock()
	defer tp.mu.RUnlock()
	return tp.packed.Len()
}

func (tp *TxPool) runPendingSaveWorker(workerID int) {
	defer tp.wg.Done()
	for {
		select {
		case <-tp.stopChan:
			// 停止前尽量排空队列，避免丢最后一批待落盘交易
			for {
				select {
				case tx := <-tp.pendingSaveQueue:
					tp.persist(tx, workerID)
				default:
					return
				}
			}
		case tx := <-tp.pendingSaveQueue:
			tp.persist(tx, workerID)
		}
	}
}

func (tp *TxPool) persist(tx *types.Transaction, workerID int) {
	if err := tp.store.SavePendingTx(tx); err != nil {
		tp.Logger.Debug("[TxPool] pending save worker=%d failed for tx %s: %v", workerID, tx.Hash().TerminalString(), err)
	}
}

// loadFromDB 重启后恢复待打包交易。打包状态不持久化，恢复后都视为未打包
func (tp *TxPool) loadFromDB() error {
	if tp.store == nil {
		return nil
	}
	txs, err := tp.store.LoadPendingTxs()
	if err != nil {
		return fmt.Errorf("load pending txs: %w", err)
	}
	tp.mu.Lock()
	for _, tx := range txs {
		h := tx.Hash()
		tp.cacheTx.Add(h, tx)
		tp.pending.Add(h, tx)
	}
	tp.mu.Unlock()
	if len(txs) > 0 {
		tp.Logger.Verbose("[TxPool] Loaded %d pending txs from DB", len(txs))
	}
	return nil
}
