package sortition

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"dagbft/config"
	"dagbft/db"
	"dagbft/logs"
	"dagbft/stats"
	"dagbft/types"
)

const (
	// OnePercent 效率用基点表示，100 基点 = 1%
	OnePercent = 100
	// ThresholdUpperMinValue ThresholdUpper 的下限
	ThresholdUpperMinValue = 80
)

// ParamsStore 参数管理器需要的持久化能力
type ParamsStore interface {
	PutSortitionChange(change *types.SortitionParamsChange) error
	GetSortitionChanges(limit int) ([]*types.SortitionParamsChange, error)
	GetSortitionChangeAt(period uint64) (*types.SortitionParamsChange, error)
	GetFinalizedPeriodData(period uint64) (*types.PeriodData, error)
}

// Params 某个周期生效的抽签参数
type Params struct {
	Vrf                 config.VrfParams
	ComputationInterval uint64
	ChangingInterval    uint64
}

// ParamsManager 根据已最终确定周期的 DAG 效率调整 VRF ThresholdUpper
type ParamsManager struct {
	mu sync.RWMutex

	cfg     config.SortitionConfig // cfg.Vrf 是当前生效值
	initial config.VrfParams

	// 变更历史，最多 ChangesCountForAverage 条，按周期升序
	changes      []*types.SortitionParamsChange
	efficiencies []uint16

	store  ParamsStore
	logger logs.Logger
	stats  *stats.Stats
}

// NewParamsManager 从存储恢复变更历史并重放最后一次变更之后的周期
func NewParamsManager(cfg config.SortitionConfig, store ParamsStore, logger logs.Logger, st *stats.Stats) (*ParamsManager, error) {
	if logger == nil {
		logger = logs.Default()
	}
	pm := &ParamsManager{
		cfg:     cfg,
		initial: cfg.Vrf,
		store:   store,
		logger:  logger,
		stats:   st,
	}

	changes, err := store.GetSortitionChanges(cfg.ChangesCountForAverage)
	if err != nil {
		return nil, fmt.Errorf("load sortition changes: %w", err)
	}
	if len(changes) == 0 {
		first := &types.SortitionParamsChange{
			Period:         0,
			Efficiency:     pm.goalEfficiency(),
			ThresholdRange: cfg.Vrf.ThresholdRange,
			ThresholdUpper: cfg.Vrf.ThresholdUpper,
		}
		if err := store.PutSortitionChange(first); err != nil {
			return nil, fmt.Errorf("save initial sortition params: %w", err)
		}
		changes = append(changes, first)
	} else {
		last := changes[len(changes)-1]
		pm.cfg.Vrf = config.VrfParams{ThresholdRange: last.ThresholdRange, ThresholdUpper: last.ThresholdUpper}
	}
	pm.changes = changes

	if err := pm.replay(changes[len(changes)-1].Period + 1); err != nil {
		return nil, err
	}
	if st != nil {
		st.SetThresholdUpper(pm.cfg.Vrf.ThresholdUpper)
	}
	return pm, nil
}

func (pm *ParamsManager) replay(from uint64) error {
	replayed := 0
	for period := from; ; period++ {
		data, err := pm.store.GetFinalizedPeriodData(period)
		if errors.Is(err, db.ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("replay period %d: %w", period, err)
		}
		if err := pm.PbftBlockPushed(data, data.PbftBlock.Height); err != nil {
			return err
		}
		replayed++
	}
	if replayed > 0 {
		pm.logger.Info("[SortitionParams] replayed %d periods from %d, %d efficiencies pending", replayed, from, len(pm.efficiencies))
	}
	return nil
}

// GetSortitionParams period 为 nil 时返回当前配置，否则返回该周期生效的参数
func (pm *ParamsManager) GetSortitionParams(period *uint64) Params {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	p := Params{
		Vrf:                 pm.cfg.Vrf,
		ComputationInterval: pm.cfg.ComputationInterval,
		ChangingInterval:    pm.cfg.ChangingInterval,
	}
	if period == nil || pm.cfg.ChangingInterval == 0 {
		return p
	}

	if len(pm.changes) > 0 && *period >= pm.changes[0].Period {
		for i := len(pm.changes) - 1; i >= 0; i-- {
			if pm.changes[i].Period <= *period {
				p.Vrf = config.VrfParams{ThresholdRange: pm.changes[i].ThresholdRange, ThresholdUpper: pm.changes[i].ThresholdUpper}
				return p
			}
		}
	}

	change, err := pm.store.GetSortitionChangeAt(*period)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			pm.logger.Warn("[SortitionParams] lookup period %d failed: %v", *period, err)
		}
		p.Vrf = pm.initial
		return p
	}
	p.Vrf = config.VrfParams{ThresholdRange: change.ThresholdRange, ThresholdUpper: change.ThresholdUpper}
	return p
}

// CalculateDagEfficiency 去重交易数 / 交易槽位总数，单位基点；没有交易算 100%
func CalculateDagEfficiency(data *types.PeriodData) uint16 {
	total := 0
	unique := make(map[types.Hash]struct{})
	for _, b := range data.DagBlocks {
		for _, h := range b.Trxs {
			unique[h] = struct{}{}
		}
		total += len(b.Trxs)
	}
	if total == 0 {
		return 100 * OnePercent
	}
	return uint16(len(unique) * 100 * OnePercent / total)
}

// PbftBlockPushed 每个最终确定的周期调用一次。
// nonEmptySize 是包含本块在内的非空 PBFT 块个数
func (pm *ParamsManager) PbftBlockPushed(data *types.PeriodData, nonEmptySize uint64) error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.cfg.ChangingInterval == 0 || !data.PbftBlock.HasAnchor() || nonEmptySize == 0 {
		return nil
	}
	ci := pm.cfg.ComputationInterval
	pos := (nonEmptySize - 1) % ci
	period := data.PbftBlock.Period

	if pos >= ci-pm.cfg.ChangingInterval {
		eff := CalculateDagEfficiency(data)
		pm.efficiencies = append(pm.efficiencies, eff)
		pm.logger.Debug("[SortitionParams] period %d efficiency %s", period, FormatEfficiency(eff))
	}

	if nonEmptySize%ci != 0 {
		return nil
	}
	if len(pm.efficiencies) == 0 {
		return nil
	}

	change := pm.calculateChange(period)
	if err := pm.store.PutSortitionChange(change); err != nil {
		return fmt.Errorf("save sortition change at %d: %w", period, err)
	}
	pm.changes = append(pm.changes, change)
	pm.cleanup()
	if pm.stats != nil {
		pm.stats.SetThresholdUpper(change.ThresholdUpper)
	}
	return nil
}

func (pm *ParamsManager) cleanup() {
	pm.efficiencies = pm.efficiencies[:0]
	if over := len(pm.changes) - pm.cfg.ChangesCountForAverage; over > 0 {
		pm.changes = append([]*types.SortitionParamsChange(nil), pm.changes[over:]...)
	}
}

func (pm *ParamsManager) averageDagEfficiency() uint16 {
	var sum uint64
	for _, e := range pm.efficiencies {
		sum += uint64(e)
	}
	return uint16(sum / uint64(len(pm.efficiencies)))
}

func (pm *ParamsManager) goalEfficiency() uint16 {
	return uint16((uint32(pm.cfg.Targets.Low) + uint32(pm.cfg.Targets.High)) / 2)
}

func (pm *ParamsManager) calculateChange(period uint64) *types.SortitionParamsChange {
	avg := pm.averageDagEfficiency()

	upper := pm.newUpperRange(avg)
	if upper < ThresholdUpperMinValue {
		upper = ThresholdUpperMinValue
	} else if upper > math.MaxUint16 {
		upper = math.MaxUint16
	}
	pm.cfg.Vrf.ThresholdUpper = uint16(upper)

	pm.logger.Info("[SortitionParams] average interval efficiency %s, changing VRF threshold upper on period %d to %d",
		FormatEfficiency(avg), period, pm.cfg.Vrf.ThresholdUpper)

	return &types.SortitionParamsChange{
		Period:         period,
		Efficiency:     avg,
		ThresholdRange: pm.cfg.Vrf.ThresholdRange,
		ThresholdUpper: pm.cfg.Vrf.ThresholdUpper,
	}
}

// efficiencyToChange 偏离目标 <20% 走 1%，<40% 走 2%，否则 5%
func efficiencyToChange(efficiency, goal uint16) int32 {
	if goal == 0 {
		return math.MaxUint16 / 20
	}
	diff := int32(efficiency) - int32(goal)
	if diff < 0 {
		diff = -diff
	}
	deviation := diff * 100 / int32(goal)
	switch {
	case deviation < 20:
		return math.MaxUint16 / 100
	case deviation < 40:
		return math.MaxUint16 / 50
	default:
		return math.MaxUint16 / 20
	}
}

type effUpper struct {
	efficiency uint16
	upper      uint16
}

// newUpperRange 历史记录 i 的效率是在记录 i-1 的阈值下测得的，
// 所以映射 changes[i].Efficiency -> changes[i-1].ThresholdUpper
func (pm *ParamsManager) newUpperRange(efficiency uint16) int32 {
	last := int32(pm.changes[len(pm.changes)-1].ThresholdUpper)
	if efficiency >= pm.cfg.Targets.Low && efficiency <= pm.cfg.Targets.High {
		return last
	}
	goal := pm.goalEfficiency()

	// 相同效率后写入的覆盖先写入的
	byEff := make(map[uint16]uint16)
	for i := 1; i < len(pm.changes); i++ {
		byEff[pm.changes[i].Efficiency] = pm.changes[i-1].ThresholdUpper
	}
	if len(pm.changes) > 1 {
		byEff[efficiency] = uint16(last)
	}
	points := make([]effUpper, 0, len(byEff))
	for e, u := range byEff {
		points = append(points, effUpper{efficiency: e, upper: u})
	}
	sort.Slice(points, func(i, j int) bool { return points[i].efficiency < points[j].efficiency })

	step := efficiencyToChange(efficiency, goal)

	// 历史全在目标下方且当前仍在下方：降低阈值
	if (len(points) == 0 || points[len(points)-1].efficiency < goal) && efficiency < goal {
		return last - step
	}
	// 历史全在目标上方且当前仍在上方：提高阈值
	if (len(points) == 0 || points[0].efficiency >= goal) && efficiency >= goal {
		return last + step
	}

	if efficiency < goal {
		// 找目标上方最接近目标的记录
		for _, pt := range points {
			if pt.efficiency >= goal {
				if int32(pt.upper) < last {
					return (int32(pt.upper) + last) / 2
				}
				return last - step
			}
		}
	} else {
		// 找目标下方最接近目标的记录
		for i := len(points) - 1; i >= 0; i-- {
			if points[i].efficiency < goal {
				if int32(points[i].upper) > last {
					return (int32(points[i].upper) + last) / 2
				}
				return last + step
			}
		}
	}
	return last
}

// FormatEfficiency 基点 -> "69.50%"
func FormatEfficiency(bp uint16) string {
	return decimal.New(int64(bp), -2).StringFixed(2) + "%"
}
