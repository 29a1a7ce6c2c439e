package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"ordergate/internal/instrument"
)

var (
	// ErrNoData 表示单个数据源当前没有该标的的报价。
	ErrNoData = errors.New("pricing: source has no data")
	// ErrUnavailable 表示所有数据源都未能给出有效价格,调用方必须停止后续计算。
	ErrUnavailable = errors.New("pricing: price unavailable")
)

// Quote 为一次成功解析出的价格。
type Quote struct {
	Price  float64
	Source string
	AsOf   time.Time
}

// Source 表示价格链中的单个数据源。
// 返回值要么是有限正数,要么是 ErrNoData;其余错误视同无数据继续兜底。
type Source interface {
	Name() string
	Quote(ctx context.Context, inst instrument.Instrument) (float64, error)
}

// SourceFunc 将闭包适配为 Source。
type SourceFunc struct {
	name string
	fn   func(ctx context.Context, inst instrument.Instrument) (float64, error)
}

// NewSourceFunc 创建函数式数据源。
func NewSourceFunc(name string, fn func(ctx context.Context, inst instrument.Instrument) (float64, error)) SourceFunc {
	return SourceFunc{name: name, fn: fn}
}

func (s SourceFunc) Name() string { return s.name }

func (s SourceFunc) Quote(ctx context.Context, inst instrument.Instrument) (float64, error) {
	return s.fn(ctx, inst)
}

// Resolver 按固定顺序尝试数据源,保证不返回任何非法数值。
type Resolver struct {
	sources []Source
	logger  *zap.Logger
}

// NewResolver 创建价格解析器。
func NewResolver(logger *zap.Logger, sources ...Source) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		sources: sources,
		logger:  logger,
	}
}

// Append 在链尾追加一个数据源,供外部行情增强接入。
func (r *Resolver) Append(src Source) {
	r.sources = append(r.sources, src)
}

// Resolve 依次询问各数据源,返回第一个有效价格。
// NaN、Inf、非正数与 ErrNoData 同等对待:跳过该源继续尝试。
func (r *Resolver) Resolve(ctx context.Context, inst instrument.Instrument) (Quote, error) {
	for _, src := range r.sources {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Quote{}, ctxErr
		}

		price, err := src.Quote(ctx, inst)
		if err != nil {
			if !errors.Is(err, ErrNoData) {
				r.logger.Debug("价格源查询失败,继续下一个",
					zap.String("source", src.Name()),
					zap.String("symbol", inst.Symbol),
					zap.Error(err),
				)
			}
			continue
		}

		if !Valid(price) {
			r.logger.Warn("价格源返回非法数值,按无数据处理",
				zap.String("source", src.Name()),
				zap.String("symbol", inst.Symbol),
				zap.Float64("price", price),
			)
			continue
		}

		return Quote{
			Price:  price,
			Source: src.Name(),
			AsOf:   time.Now().UTC(),
		}, nil
	}

	return Quote{}, fmt.Errorf("%w: %s", ErrUnavailable, inst.Symbol)
}

// Valid 判断价格是否为有限正数。
func Valid(price float64) bool {
	return !math.IsNaN(price) && !math.IsInf(price, 0) && price > 0
}
