package txpool

import (
	"dagbft/types"
)

// 内部消息类型
type txMsgType int

const (
	msgAddTx txMsgType = iota
)

// OnTxAddedCallback 交易真正入池之后的回调（比如转发给其他节点）
type OnTxAddedCallback func(tx *types.Transaction)

type txPoolMessage struct {
	Type    txMsgType
	Tx      *types.Transaction
	OnAdded OnTxAddedCallback
}

// TxValidator 用于抽象交易校验，nil 表示全部接受
type TxValidator interface {
	CheckTransaction(tx *types.Transaction) error
}

type txPoolQueue struct {
	pool      *TxPool
	validator TxValidator
	MsgChan   chan *txPoolMessage
}

func newTxPoolQueue(pool *TxPool, validator TxValidator) *txPoolQueue {
	return &txPoolQueue{
		pool:      pool,
		validator: validator,
		MsgChan:   make(chan *txPoolMessage, 10000),
	}
}

func (tq *txPoolQueue) runLoop() {
	defer tq.pool.wg.Done()

	for {
		select {
		case <-tq.pool.stopChan:
			return
		case msg := <-tq.MsgChan:
			if msg == nil || msg.Tx == nil {
				continue
			}
			switch msg.Type {
			case msgAddTx:
				tq.handleAddTx(msg.Tx, msg.OnAdded)
			default:
				tq.pool.Logger.Debug("[TxPoolQueue] unknown msg type: %d", msg.Type)
			}
		}
	}
}

// handleAddTx 先验证后入池，最后回调
func (tq *txPoolQueue) handleAddTx(tx *types.Transaction, onAdded OnTxAddedCallback) {
	if tq.validator != nil {
		if err := tq.validator.CheckTransaction(tx); err != nil {
			tq.pool.Logger.Debug("[TxPoolQueue] tx=%s invalid: %v", tx.Hash().TerminalString(), err)
			return
		}
	}
	if !tq.pool.Insert(tx) {
		return
	}
	if onAdded != nil {
		onAdded(tx)
	}
}
