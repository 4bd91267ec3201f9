package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
)

// VrfOutputLength VRF 输出长度
const VrfOutputLength = 32

// ============================================
// 基于 BLS 签名的 VRF
// BLS 签名是确定性的：同一私钥对同一输入总是得到相同证明，
// 输出取证明的 sha256
// ============================================

// VrfProve 生成 VRF 证明和输出
func VrfProve(secret kyber.Scalar, input []byte) (proof []byte, output []byte, err error) {
	if secret == nil {
		return nil, nil, fmt.Errorf("vrf secret is nil")
	}
	proof, err = bls.Sign(vrfSuite, secret, input)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate VRF proof: %w", err)
	}
	return proof, ProofToOutput(proof), nil
}

// VrfVerify 验证证明并返回对应输出
func VrfVerify(public kyber.Point, input []byte, proof []byte) ([]byte, error) {
	if public == nil {
		return nil, fmt.Errorf("vrf public key is nil")
	}
	if err := bls.Verify(vrfSuite, public, input, proof); err != nil {
		return nil, fmt.Errorf("VRF proof verification failed: %w", err)
	}
	return ProofToOutput(proof), nil
}

// ProofToOutput 证明 -> 输出
func ProofToOutput(proof []byte) []byte {
	out := sha256.Sum256(proof)
	return out[:]
}

// MarshalVrfPublic 公钥序列化，用于写入预言机配置或数据库
func MarshalVrfPublic(pk kyber.Point) ([]byte, error) {
	return pk.MarshalBinary()
}

// UnmarshalVrfPublic 反序列化 VRF 公钥
func UnmarshalVrfPublic(data []byte) (kyber.Point, error) {
	pk := vrfSuite.G2().Point()
	if err := pk.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode vrf public key: %w", err)
	}
	return pk, nil
}

// VrfInput 拼接 VRF 输入: anchor || 各个上下文字段（大端 uint64）
func VrfInput(anchor []byte, fields ...uint64) []byte {
	buf := make([]byte, 0, len(anchor)+8*len(fields))
	buf = append(buf, anchor...)
	var tmp [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(tmp[:], f)
		buf = append(buf, tmp[:]...)
	}
	return buf
}
