// internal/services/fee_calculator.go
package services

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/javajoker/asset-market/internal/config"
)

// Fees is the split of one price in smallest payment units.
// PlatformFee + SellerRevenue == Total always holds.
type Fees struct {
	Total         int64 `json:"total"`
	PlatformFee   int64 `json:"platform_fee"`
	SellerRevenue int64 `json:"seller_revenue"`
}

type FeeCalculator struct {
	platformShare decimal.Decimal
	sellerShare   decimal.Decimal
	minPrice      int64
	maxPrice      int64
	scale         int32
	symbol        string
}

// NewFeeCalculator validates the configured split. An invalid split is a startup error.
func NewFeeCalculator(cfg config.FeeConfig) (*FeeCalculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fee configuration: %w", err)
	}
	platform, seller, err := cfg.Shares()
	if err != nil {
		return nil, err
	}
	return &FeeCalculator{
		platformShare: platform,
		sellerShare:   seller,
		minPrice:      cfg.MinPriceUnits,
		maxPrice:      cfg.MaxPriceUnits,
		scale:         cfg.CurrencyScale,
		symbol:        cfg.CurrencySymbol,
	}, nil
}

// Compute splits price. The seller share is rounded down, so any rounding
// surplus lands in the platform fee.
func (f *FeeCalculator) Compute(price int64) (Fees, error) {
	if price < f.minPrice || price > f.maxPrice {
		return Fees{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrOutOfRange, price, f.minPrice, f.maxPrice)
	}

	seller := decimal.NewFromInt(price).Mul(f.sellerShare).Floor().IntPart()
	return Fees{
		Total:         price,
		PlatformFee:   price - seller,
		SellerRevenue: seller,
	}, nil
}

// PlatformShare returns the configured platform ratio, e.g. "0.3".
func (f *FeeCalculator) PlatformShare() string {
	return f.platformShare.String()
}

// Display renders smallest units as a decimal amount with the currency symbol.
func (f *FeeCalculator) Display(units int64) string {
	return fmt.Sprintf("%s %s", decimal.New(units, -f.scale).StringFixed(f.scale), f.symbol)
}
