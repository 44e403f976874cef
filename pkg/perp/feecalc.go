package perp

// FeeCalculator supplies a signed per-user fee adjustment in bps, applied
// on top of the product's base fee. The engine clamps the result to
// ±Config.MaxDynamicFee.
type FeeCalculator interface {
	GetFee(token, user string) int64
}

// StaticFeeCalculator applies the same adjustment to everyone. The zero
// value charges exactly the product base fee.
type StaticFeeCalculator struct {
	AdjustmentBps int64
}

func (c StaticFeeCalculator) GetFee(token, user string) int64 {
	return c.AdjustmentBps
}
