package types

import (
	"github.com/ethereum/go-ethereum/rlp"

	"dagbft/utils"
)

// Transaction 共识层只关心交易能按哈希取到，执行语义不在这里
type Transaction struct {
	Nonce   uint64
	From    Address
	Payload []byte
}

func (tx *Transaction) Hash() Hash {
	enc, _ := rlp.EncodeToBytes(tx)
	return utils.Keccak256(enc)
}

func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := rlp.DecodeBytes(data, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}
