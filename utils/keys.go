package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/pairing/bn256"
)

// KeyPair 节点的签名密钥和 VRF 密钥
// VRF 私钥由签名私钥派生，公钥需要登记到质押预言机里供其他节点验证
type KeyPair struct {
	Priv      *secp256k1.PrivateKey
	Address   common.Address
	VrfSecret kyber.Scalar
	VrfPublic kyber.Point
}

// GenerateKeyPair 随机生成一组密钥
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return NewKeyPair(priv), nil
}

// NewKeyPair 从 secp256k1 私钥构造完整的密钥对
func NewKeyPair(priv *secp256k1.PrivateKey) *KeyPair {
	secret := DeriveVrfSecret(priv)
	return &KeyPair{
		Priv:      priv,
		Address:   DeriveAddress(priv.PubKey()),
		VrfSecret: secret,
		VrfPublic: vrfSuite.G2().Point().Mul(secret, nil),
	}
}

// ParsePrivateKeyHex 解析 16 进制的 32 字节私钥，可带 0x 前缀
func ParsePrivateKeyHex(keyStr string) (*KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(keyStr, "0x"))
	if err != nil {
		return nil, errors.New("invalid hex private key: " + err.Error())
	}
	if len(raw) != 32 {
		return nil, errors.New("invalid private key length in hex (must be 32 bytes)")
	}
	return NewKeyPair(secp256k1.PrivKeyFromBytes(raw)), nil
}

// DeriveAddress 以太坊风格地址: keccak256(pubUncompressed[1:]) 的后 20 字节
func DeriveAddress(pub *secp256k1.PublicKey) common.Address {
	pubUncompressed := pub.SerializeUncompressed()
	digest := Keccak256(pubUncompressed[1:])
	return common.BytesToAddress(digest[12:])
}

// DeriveVrfSecret 对私钥做哈希得到 BLS 标量
func DeriveVrfSecret(priv *secp256k1.PrivateKey) kyber.Scalar {
	hash := sha256.Sum256(priv.Serialize())
	return vrfSuite.G2().Scalar().SetBytes(hash[:])
}

var vrfSuite = bn256.NewSuite()
