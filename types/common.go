package types

import (
	"github.com/ethereum/go-ethereum/common"
)

type (
	Hash    = common.Hash
	Address = common.Address
)

// NullBlockHash 空值：没有锚定 DAG 区块的 PBFT 块、投给"无值"的票都用它
var NullBlockHash = common.Hash{}

// PeerID 对端节点标识
type PeerID string

// HashLess 按字节序比较，所有确定性排序的平局都用它
func HashLess(a, b Hash) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
