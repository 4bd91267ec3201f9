package utils

import (
	"encoding/binary"

	"github.com/dchest/siphash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spaolacci/murmur3"
	"golang.org/x/crypto/sha3"
)

// Keccak256 以太坊使用的 legacy keccak
func Keccak256(data ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// MurmurHash 使用Murmur3哈希算法
func MurmurHash(data []byte) uint64 {
	return murmur3.Sum64(data)
}

// ShardOf 交易哈希所在的分片
func ShardOf(hash common.Hash, shardCount uint64) uint64 {
	if shardCount <= 1 {
		return 0
	}
	return MurmurHash(hash[:]) % shardCount
}

// SipHash 带密钥的 64 位短哈希，去重集合用它做键
func SipHash(k0, k1 uint64, data ...[]byte) uint64 {
	if len(data) == 1 {
		return siphash.Hash(k0, k1, data[0])
	}
	var key [16]byte
	binary.LittleEndian.PutUint64(key[:8], k0)
	binary.LittleEndian.PutUint64(key[8:], k1)
	h := siphash.New(key[:])
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum64()
}
