package db

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v2"

	"dagbft/interfaces"
	"dagbft/types"
)

// ============================================
// interfaces.BlockStore 的 badger 实现
// ============================================

var _ interfaces.BlockStore = (*Manager)(nil)

func (manager *Manager) GetDagBlock(hash types.Hash) (*types.DagBlock, error) {
	if v, ok := manager.blockCache.Get(hash); ok {
		return v.(*types.DagBlock), nil
	}
	data, err := manager.get(KeyDagBlock(hash.Hex()))
	if err != nil {
		return nil, err
	}
	block, err := types.DecodeDagBlock(data)
	if err != nil {
		return nil, fmt.Errorf("decode dag block %s: %w", hash.Hex(), err)
	}
	manager.blockCache.Add(hash, block)
	return block, nil
}

func (manager *Manager) PutDagBlock(block *types.DagBlock) error {
	data, err := block.Encode()
	if err != nil {
		return err
	}
	hash := block.Hash()
	if err := manager.set(KeyDagBlock(hash.Hex()), data); err != nil {
		return err
	}
	manager.blockCache.Add(hash, block)
	return nil
}

// PutPeriodData 周期数据和链头在同一个事务里写入
func (manager *Manager) PutPeriodData(data *types.PeriodData) error {
	if data == nil || data.PbftBlock == nil {
		return fmt.Errorf("period data without pbft block")
	}
	enc, err := data.Encode()
	if err != nil {
		return err
	}
	pb := data.PbftBlock
	head, err := encodeMsgpack(&ChainHead{
		Period:       pb.Period,
		Hash:         pb.Hash().Bytes(),
		NonEmptySize: pb.Height,
	})
	if err != nil {
		return err
	}
	return manager.Db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(KeyPeriodData(pb.Period)), enc); err != nil {
			return err
		}
		return txn.Set([]byte(KeyChainHead()), head)
	})
}

func (manager *Manager) GetFinalizedPeriodData(period uint64) (*types.PeriodData, error) {
	data, err := manager.get(KeyPeriodData(period))
	if err != nil {
		return nil, err
	}
	return types.DecodePeriodData(data)
}

// GetChainHead 没有任何周期时返回 ErrNotFound
func (manager *Manager) GetChainHead() (*ChainHead, error) {
	data, err := manager.get(KeyChainHead())
	if err != nil {
		return nil, err
	}
	var head ChainHead
	if err := decodeMsgpack(data, &head); err != nil {
		return nil, fmt.Errorf("decode chain head: %w", err)
	}
	return &head, nil
}

func (manager *Manager) LastFinalizedPeriod() (uint64, error) {
	head, err := manager.GetChainHead()
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return head.Period, nil
}

func (manager *Manager) PutDagOrder(period uint64, order []types.Hash) error {
	data, err := encodeMsgpack(&dagOrderRecord{Hashes: hashesToBytes(order)})
	if err != nil {
		return err
	}
	return manager.set(KeyDagOrder(period), data)
}

func (manager *Manager) GetDagOrder(period uint64) ([]types.Hash, error) {
	data, err := manager.get(KeyDagOrder(period))
	if err != nil {
		return nil, err
	}
	var rec dagOrderRecord
	if err := decodeMsgpack(data, &rec); err != nil {
		return nil, err
	}
	return bytesToHashes(rec.Hashes), nil
}

func (manager *Manager) PutSortitionChange(change *types.SortitionParamsChange) error {
	data, err := encodeMsgpack(&sortitionChangeRecord{
		Period:         change.Period,
		Efficiency:     change.Efficiency,
		ThresholdRange: change.ThresholdRange,
		ThresholdUpper: change.ThresholdUpper,
	})
	if err != nil {
		return err
	}
	return manager.set(KeySortitionChange(change.Period), data)
}

// GetSortitionChanges 最近 limit 条变更，按周期升序返回
func (manager *Manager) GetSortitionChanges(limit int) ([]*types.SortitionParamsChange, error) {
	var out []*types.SortitionParamsChange
	prefix := []byte(KeySortitionChangePrefix())
	err := manager.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		// 反向迭代要从前缀之后的位置开始
		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec sortitionChangeRecord
			if err := decodeMsgpack(val, &rec); err != nil {
				return err
			}
			out = append(out, rec.toChange())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// GetSortitionChangeAt 周期不晚于 period 的最近一次变更
func (manager *Manager) GetSortitionChangeAt(period uint64) (*types.SortitionParamsChange, error) {
	var found *types.SortitionParamsChange
	prefix := []byte(KeySortitionChangePrefix())
	err := manager.Db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Seek([]byte(KeySortitionChange(period)))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		var rec sortitionChangeRecord
		if err := decodeMsgpack(val, &rec); err != nil {
			return err
		}
		found = rec.toChange()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}
