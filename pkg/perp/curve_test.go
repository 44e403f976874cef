package perp

import (
	"math/big"
	"testing"
)

func e18(x int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(x), big.NewInt(1e18))
}

func e8(x int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(x), big.NewInt(1e8))
}

func TestFillPriceLongBalancedBook(t *testing.T) {
	// reserve=100e18, amount=1e18, oracle=1000e8, no open interest.
	// slippage = Unit * R/(R-amount) = 1e8 * 100/99 = 101010101 (floor)
	// price    = 1000e8 * 101010101 / 1e8 = 101010101000
	price, err := fillPrice(true, new(big.Int), new(big.Int), e18(10),
		e18(100), e18(1), e8(1000), 3e5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Int64() != 101010101000 {
		t.Errorf("expected 101010101000, got %s", price)
	}
}

func TestFillPriceShortBalancedBook(t *testing.T) {
	// slippage = Unit * R/(R+amount) = 1e8 * 100/101 = 99009900 (floor)
	// price    = 1000e8 * 99009900 / 1e8 = 99009900000
	price, err := fillPrice(false, new(big.Int), new(big.Int), e18(10),
		e18(100), e18(1), e8(1000), 3e5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Int64() != 99009900000 {
		t.Errorf("expected 99009900000, got %s", price)
	}
}

func TestFillPriceShiftPenalizesCrowdedSide(t *testing.T) {
	// Long OI 5e18 against maxExposure 10e18 with maxShift 3e5:
	// shift = 5e18 * 3e5 / 10e18 = 150000.
	oiLong, oiShort := e18(5), new(big.Int)

	// Growing the crowded long side pays the full shift.
	price, err := fillPrice(true, oiLong, oiShort, e18(10), e18(100), e18(1), e8(1000), 3e5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Int64() != 101160101000 { // (101010101 + 150000) * 1000
		t.Errorf("long into imbalance: expected 101160101000, got %s", price)
	}

	// Shorting against the imbalance receives only half the shift.
	price, err = fillPrice(false, oiLong, oiShort, e18(10), e18(100), e18(1), e8(1000), 3e5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Int64() != 99084900000 { // (99009900 + 75000) * 1000
		t.Errorf("short against imbalance: expected 99084900000, got %s", price)
	}
}

func TestFillPriceShiftDiscountsUncrowdedSide(t *testing.T) {
	// Short OI dominates: shift = -150000.
	oiLong, oiShort := new(big.Int), e18(5)

	// Going long against the imbalance gets half the discount.
	price, err := fillPrice(true, oiLong, oiShort, e18(10), e18(100), e18(1), e8(1000), 3e5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Int64() != 100935101000 { // (101010101 - 75000) * 1000
		t.Errorf("long against imbalance: expected 100935101000, got %s", price)
	}

	// Growing the crowded short side pays the full discount.
	price, err = fillPrice(false, oiLong, oiShort, e18(10), e18(100), e18(1), e8(1000), 3e5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if price.Int64() != 98859900000 { // (99009900 - 150000) * 1000
		t.Errorf("short into imbalance: expected 98859900000, got %s", price)
	}
}

func TestFillPriceDomainErrors(t *testing.T) {
	// A long fill consuming the whole reserve has no defined price.
	if _, err := fillPrice(true, new(big.Int), new(big.Int), e18(10),
		e18(100), e18(100), e8(1000), 3e5); err != ErrArithmetic {
		t.Errorf("amount == reserve: expected ErrArithmetic, got %v", err)
	}
	if _, err := fillPrice(true, new(big.Int), new(big.Int), e18(10),
		e18(100), e18(200), e8(1000), 3e5); err != ErrArithmetic {
		t.Errorf("amount > reserve: expected ErrArithmetic, got %v", err)
	}

	if _, err := fillPrice(true, new(big.Int), new(big.Int), new(big.Int),
		e18(100), e18(1), e8(1000), 3e5); err != ErrDivisionByZero {
		t.Errorf("maxExposure == 0: expected ErrDivisionByZero, got %v", err)
	}

	if _, err := fillPrice(true, new(big.Int), new(big.Int), e18(10),
		e18(100), new(big.Int), e8(1000), 3e5); err != ErrArithmetic {
		t.Errorf("amount == 0: expected ErrArithmetic, got %v", err)
	}

	// A short fill is defined for any amount; it only compresses price.
	if _, err := fillPrice(false, new(big.Int), new(big.Int), e18(10),
		e18(100), e18(200), e8(1000), 3e5); err != nil {
		t.Errorf("short fill: unexpected error: %v", err)
	}
}
