package db

import (
	"fmt"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/rlp"

	"dagbft/types"
)

// SavePendingTx 持久化一笔待打包交易，重启后交易池从这里恢复
func (manager *Manager) SavePendingTx(tx *types.Transaction) error {
	data, err := rlp.EncodeToBytes(tx)
	if err != nil {
		return err
	}
	return manager.set(KeyPendingTx(tx.Hash().Hex()), data)
}

// DeletePendingTxs 批量删除，已经不存在的 key 不报错
func (manager *Manager) DeletePendingTxs(hashes []types.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	return manager.Db.Update(func(txn *badger.Txn) error {
		for _, h := range hashes {
			if err := txn.Delete([]byte(KeyPendingTx(h.Hex()))); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadPendingTxs 读出所有待打包交易，按 key 顺序
func (manager *Manager) LoadPendingTxs() ([]*types.Transaction, error) {
	var out []*types.Transaction
	err := manager.ForEachPrefix(KeyPendingTxPrefix(), func(key string, value []byte) error {
		tx, err := types.DecodeTransaction(value)
		if err != nil {
			return fmt.Errorf("decode pending tx %s: %w", key, err)
		}
		out = append(out, tx)
		return nil
	})
	return out, err
}
