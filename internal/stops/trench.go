package stops

import (
	"errors"
	"fmt"

	"ordergate/internal/broker"
	"ordergate/internal/instrument"
)

// ErrPlanExhausted 表示分批计划已全部成交或被取消。
var ErrPlanExhausted = errors.New("stops: trench plan exhausted")

// Tranche 为分批计划中的一档。
type Tranche struct {
	Price    float64
	Quantity int64
	Filled   bool
}

// SellLevel 为按混合成本推导的分批卖出档位。
type SellLevel struct {
	Price  float64
	Weight float64
}

// TrenchPlan 按波动率间距把目标仓位拆成多档挂单。
// 全部成交或显式取消后计划即销毁,不允许复用。
type TrenchPlan struct {
	Instrument instrument.Instrument
	Side       broker.Side
	AvgPrice   float64
	BaseQty    int64
	tranches   []Tranche
	cancelled  bool
}

// NewTrenchPlan 依据 ATR 与档位系数生成买入分批计划。
// 各档价格为均价减去 ATR×系数,数量按权重摊分基准仓位。
func NewTrenchPlan(inst instrument.Instrument, side broker.Side, avgPrice float64, baseQty int64,
	atr float64, multipliers, qtyWeights []float64) (*TrenchPlan, error) {

	if !finitePositive(avgPrice) {
		return nil, fmt.Errorf("%w: avg price %.4f", ErrInvalidPrice, avgPrice)
	}
	if !finitePositive(atr) {
		return nil, fmt.Errorf("stops: ATR 必须为有限正数, got %.4f", atr)
	}
	if baseQty <= 0 {
		return nil, fmt.Errorf("stops: 基准数量必须为正, got %d", baseQty)
	}
	if len(multipliers) == 0 || len(multipliers) != len(qtyWeights) {
		return nil, errors.New("stops: 档位系数与数量权重长度必须一致且非空")
	}

	spacing := volatilitySpacing(atr, multipliers)
	tranches := make([]Tranche, len(multipliers))
	for i, offset := range spacing {
		price := avgPrice - offset
		if side == broker.SideSell {
			price = avgPrice + offset
		}
		if !finitePositive(price) {
			return nil, fmt.Errorf("stops: 第 %d 档价格非法: %.4f", i+1, price)
		}
		tranches[i] = Tranche{
			Price:    price,
			Quantity: int64(float64(baseQty) * qtyWeights[i]),
		}
	}

	return &TrenchPlan{
		Instrument: inst,
		Side:       side,
		AvgPrice:   avgPrice,
		BaseQty:    baseQty,
		tranches:   tranches,
	}, nil
}

// volatilitySpacing 把 ATR 按档位系数展开为价格间距。
func volatilitySpacing(atr float64, multipliers []float64) []float64 {
	spacing := make([]float64, len(multipliers))
	for i, m := range multipliers {
		spacing[i] = atr * m
	}
	return spacing
}

// NextTranche 返回当前价格已经触及的下一档,未触及时返回 false。
// 只有价格相对上一档继续按间距移动,才会放出下一笔。
func (p *TrenchPlan) NextTranche(price float64) (Tranche, bool) {
	if p.Exhausted() {
		return Tranche{}, false
	}

	for i := range p.tranches {
		if p.tranches[i].Filled {
			continue
		}
		hit := price <= p.tranches[i].Price
		if p.Side == broker.SideSell {
			hit = price >= p.tranches[i].Price
		}
		if hit {
			return p.tranches[i], true
		}
		return Tranche{}, false
	}
	return Tranche{}, false
}

// MarkFilled 标记一档为已成交。
func (p *TrenchPlan) MarkFilled(price float64) error {
	if p.Exhausted() {
		return ErrPlanExhausted
	}
	for i := range p.tranches {
		if !p.tranches[i].Filled && p.tranches[i].Price == price {
			p.tranches[i].Filled = true
			return nil
		}
	}
	return fmt.Errorf("stops: 未找到价格 %.4f 对应的档位", price)
}

// Cancel 显式作废计划。
func (p *TrenchPlan) Cancel() {
	p.cancelled = true
}

// Exhausted 判断计划是否已结束(全部成交或被取消)。
func (p *TrenchPlan) Exhausted() bool {
	if p.cancelled {
		return true
	}
	for _, tr := range p.tranches {
		if !tr.Filled {
			return false
		}
	}
	return true
}

// FilledCount 返回已成交档数。
func (p *TrenchPlan) FilledCount() int {
	count := 0
	for _, tr := range p.tranches {
		if tr.Filled {
			count++
		}
	}
	return count
}

// Tranches 返回档位快照。
func (p *TrenchPlan) Tranches() []Tranche {
	dst := make([]Tranche, len(p.tranches))
	copy(dst, p.tranches)
	return dst
}

// BlendedPrice 计算基准仓位与全部档位的混合成本。
func (p *TrenchPlan) BlendedPrice() float64 {
	totalValue := p.AvgPrice * float64(p.BaseQty)
	totalQty := float64(p.BaseQty)
	for _, tr := range p.tranches {
		totalValue += tr.Price * float64(tr.Quantity)
		totalQty += float64(tr.Quantity)
	}
	if totalQty == 0 {
		return 0
	}
	return totalValue / totalQty
}

// SellLevels 基于混合成本推导分批卖出档位。
func (p *TrenchPlan) SellLevels(profitSteps, sellWeights []float64) ([]SellLevel, error) {
	if len(profitSteps) != len(sellWeights) {
		return nil, errors.New("stops: 止盈档位与权重长度必须一致")
	}

	blended := p.BlendedPrice()
	levels := make([]SellLevel, len(profitSteps))
	for i, step := range profitSteps {
		levels[i] = SellLevel{
			Price:  blended * (1 + step),
			Weight: sellWeights[i],
		}
	}
	return levels, nil
}
