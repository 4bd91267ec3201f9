package dpos

import (
	"bytes"
	"sort"
	"sync"

	"go.dedis.ch/kyber/v3"

	"dagbft/types"
	"dagbft/utils"
)

// Validator 验证人表中的一项
type Validator struct {
	Address types.Address
	Stake   uint64
	VrfKey  kyber.Point
}

// StaticOracle 固定验证人表的质押预言机，质押不随周期变化
type StaticOracle struct {
	mu         sync.RWMutex
	validators map[types.Address]*Validator
	total      uint64
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{validators: make(map[types.Address]*Validator)}
}

// Register 登记验证人，重复登记会覆盖
func (o *StaticOracle) Register(addr types.Address, stake uint64, vrfKey kyber.Point) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if old, ok := o.validators[addr]; ok {
		o.total -= old.Stake
	}
	o.validators[addr] = &Validator{Address: addr, Stake: stake, VrfKey: vrfKey}
	o.total += stake
}

// RegisterKeys 直接用节点密钥登记
func (o *StaticOracle) RegisterKeys(kp *utils.KeyPair, stake uint64) {
	o.Register(kp.Address, stake, kp.VrfPublic)
}

func (o *StaticOracle) GetEffectiveStake(addr types.Address, _ uint64) uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.validators[addr]; ok {
		return v.Stake
	}
	return 0
}

func (o *StaticOracle) GetTotalEligibleWeight(_ uint64) uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.total
}

func (o *StaticOracle) GetVrfKey(addr types.Address) (kyber.Point, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.validators[addr]
	if !ok || v.VrfKey == nil {
		return nil, false
	}
	return v.VrfKey, true
}

// Validators 按地址排序
func (o *StaticOracle) Validators() []Validator {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Validator, 0, len(o.validators))
	for _, v := range o.validators {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}
