package utils

import (
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/common"
)

// SignatureLength 紧凑可恢复签名长度（1 字节恢复码 + R + S）
const SignatureLength = 65

var ErrInvalidSignature = errors.New("invalid signature")

// Sign 对 32 字节摘要做可恢复签名
func Sign(priv *secp256k1.PrivateKey, digest common.Hash) []byte {
	return ecdsa.SignCompact(priv, digest[:], false)
}

// compactRecoveryBase 非压缩公钥的恢复码是 27 或 28
const compactRecoveryBase = 27

// RecoverAddress 从签名恢复签名者地址。只接受规范形式：
// 恢复码 27/28（不带压缩标志）且 S 在低半区，同一内容只有一个合法编码
func RecoverAddress(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if code := sig[0]; code != compactRecoveryBase && code != compactRecoveryBase+1 {
		return common.Address{}, fmt.Errorf("%w: recovery code %d", ErrInvalidSignature, code)
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(sig[33:]); overflow || s.IsZero() || s.IsOverHalfOrder() {
		return common.Address{}, fmt.Errorf("%w: non-canonical s", ErrInvalidSignature)
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest[:])
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return DeriveAddress(pub), nil
}
