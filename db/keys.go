package db

import (
	"fmt"
)

// ===================== 版本控制 =====================
// 全局 Key 版本前缀（"v1" → "v1_<key>"）
const KeyVersion = "v1"

func withVer(s string) string {
	if KeyVersion == "" {
		return s
	}
	return KeyVersion + "_" + s
}

// DAG 区块
// 例：dagblock_<hash>
func KeyDagBlock(hash string) string {
	return withVer("dagblock_" + hash)
}

// 周期
// 周期号补零到 20 位，保证字典序即数值序
func KeyPeriodData(period uint64) string {
	return withVer(fmt.Sprintf("period_%020d", period))
}

func KeyDagOrder(period uint64) string {
	return withVer(fmt.Sprintf("dagorder_%020d", period))
}

func KeyChainHead() string { return withVer("pbft_head") }

// 抽签参数变更日志
func KeySortitionChange(period uint64) string {
	return withVer(fmt.Sprintf("sortition_change_%020d", period))
}

func KeySortitionChangePrefix() string {
	return withVer("sortition_change_")
}

// 待打包交易
// 例：pending_tx_<hash>
func KeyPendingTx(hash string) string {
	return withVer("pending_tx_" + hash)
}

func KeyPendingTxPrefix() string {
	return withVer("pending_tx_")
}
