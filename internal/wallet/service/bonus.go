package service

import (
	"github.com/smallbiznis/walletledger/internal/config"
	"github.com/smallbiznis/walletledger/pkg/money"
)

// computeBonus picks the highest tier whose threshold the deposit reaches,
// comparing whole currency units, and floors the percentage.
func computeBonus(amount money.Money, tiers []config.BonusTier) (money.Money, error) {
	major := amount.MajorUnits()
	var percent int64
	for _, tier := range tiers {
		if major >= tier.MinMajor {
			percent = tier.Percent
		}
	}
	if percent == 0 {
		return money.Zero(amount.Currency), nil
	}
	return amount.PercentFloor(percent)
}
