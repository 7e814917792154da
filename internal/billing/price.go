package billing

import (
	"github.com/lpding888/ai-fashion-studio-sub002/internal/domain"
)

// PriceFunc maps a requested resolution and output count to a credit amount.
type PriceFunc func(res domain.Resolution, outputs int) int64

// PriceTable is the default price rule: base unit times a per-resolution
// multiplier times the number of outputs.
type PriceTable struct {
	BaseUnit    int64
	Multipliers map[domain.Resolution]int64
}

func DefaultPriceTable() PriceTable {
	return PriceTable{
		BaseUnit: 10,
		Multipliers: map[domain.Resolution]int64{
			domain.Resolution1K: 1,
			domain.Resolution2K: 2,
			domain.Resolution4K: 4,
		},
	}
}

func (p PriceTable) Price(res domain.Resolution, outputs int) int64 {
	if outputs < 1 {
		outputs = 1
	}
	mult, ok := p.Multipliers[res]
	if !ok {
		mult = 1
	}
	return p.BaseUnit * mult * int64(outputs)
}

// Func adapts the table to PriceFunc.
func (p PriceTable) Func() PriceFunc {
	return p.Price
}
