// Package pricing computes checkout prices for catalog items. All math is
// integer cents; discounts round down and never take a price below zero.
package pricing

import (
	"fmt"
	"time"

	"github.com/pixelforge/credits-server/internal/catalog"
	errs "github.com/pixelforge/credits-server/internal/errors"
)

// ItemKind distinguishes one-time packages from recurring subscription plans.
type ItemKind string

const (
	KindPackage      ItemKind = "package"
	KindSubscription ItemKind = "subscription"
)

// Quote is the priced result of a checkout calculation.
type Quote struct {
	ItemKind      ItemKind `json:"item_kind"`
	ItemID        string   `json:"item_id"`
	ItemName      string   `json:"item_name"`
	Credits       int64    `json:"credits"` // Credits granted (per billing period for subscriptions)
	Currency      string   `json:"currency"`
	BaseCents     int64    `json:"base_cents"`
	DiscountCents int64    `json:"discount_cents"`
	TotalCents    int64    `json:"total_cents"`
	CouponCode    string   `json:"coupon_code,omitempty"`
}

// CouponIssue explains why a coupon cannot be applied. It carries both a
// machine-readable code and a human-readable reason for checkout UIs.
type CouponIssue struct {
	Code   errs.ErrorCode
	Reason string
}

func (e *CouponIssue) Error() string {
	return e.Reason
}

// QuotePackage prices a one-time credit package purchase, applying the
// coupon if one is given. An invalid or inapplicable coupon fails the
// quote rather than silently pricing without it.
func QuotePackage(cat *catalog.Catalog, packageID, couponCode string, now time.Time) (*Quote, error) {
	pkg := cat.Package(packageID)
	if pkg == nil || !pkg.Active {
		return nil, &CouponIssue{Code: errs.ErrCodePackageNotFound, Reason: fmt.Sprintf("package %q not found", packageID)}
	}

	q := &Quote{
		ItemKind:   KindPackage,
		ItemID:     pkg.ID,
		ItemName:   pkg.Name,
		Credits:    pkg.Credits,
		Currency:   pkg.Currency,
		BaseCents:  pkg.PriceCents,
		TotalCents: pkg.PriceCents,
	}

	if couponCode != "" {
		if err := applyCoupon(q, cat, couponCode, now); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// QuoteSubscription prices the first billing period of a subscription plan.
func QuoteSubscription(cat *catalog.Catalog, planID, couponCode string, now time.Time) (*Quote, error) {
	plan := cat.Subscription(planID)
	if plan == nil || !plan.Active {
		return nil, &CouponIssue{Code: errs.ErrCodePackageNotFound, Reason: fmt.Sprintf("subscription plan %q not found", planID)}
	}

	q := &Quote{
		ItemKind:   KindSubscription,
		ItemID:     plan.ID,
		ItemName:   plan.Name,
		Credits:    plan.CreditsPerPeriod,
		Currency:   plan.Currency,
		BaseCents:  plan.PriceCents,
		TotalCents: plan.PriceCents,
	}

	if couponCode != "" {
		if err := applyCoupon(q, cat, couponCode, now); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func applyCoupon(q *Quote, cat *catalog.Catalog, couponCode string, now time.Time) *CouponIssue {
	cp := cat.Coupon(couponCode)
	if cp == nil {
		return &CouponIssue{Code: errs.ErrCodeCouponNotFound, Reason: fmt.Sprintf("coupon %q not found", couponCode)}
	}
	if issue := ValidateCoupon(cp, q.ItemKind, q.ItemID, q.BaseCents, now); issue != nil {
		return issue
	}

	q.CouponCode = cp.Code
	q.DiscountCents = DiscountCents(cp, q.BaseCents)
	q.TotalCents = q.BaseCents - q.DiscountCents
	return nil
}

// ValidateCoupon checks whether a coupon can be applied to the given item
// at the given price. It returns nil when the coupon is valid, otherwise
// a CouponIssue naming the first failed rule.
func ValidateCoupon(cp *catalog.Coupon, kind ItemKind, itemID string, priceCents int64, now time.Time) *CouponIssue {
	if !cp.Active {
		return &CouponIssue{Code: errs.ErrCodeCouponInactive, Reason: "coupon is not active"}
	}

	switch cp.AppliesTo {
	case catalog.AppliesToAll, "":
	case catalog.AppliesToPackages:
		if kind != KindPackage {
			return &CouponIssue{Code: errs.ErrCodeCouponNotApplicable, Reason: "coupon does not apply to subscriptions"}
		}
	case catalog.AppliesToSubscriptions:
		if kind != KindSubscription {
			return &CouponIssue{Code: errs.ErrCodeCouponNotApplicable, Reason: "coupon does not apply to one-time packages"}
		}
	}

	if len(cp.ValidItems) > 0 {
		found := false
		for _, id := range cp.ValidItems {
			if id == itemID {
				found = true
				break
			}
		}
		if !found {
			return &CouponIssue{Code: errs.ErrCodeCouponNotApplicable, Reason: "coupon is not valid for this item"}
		}
	}

	if cp.MinPurchaseCents > 0 && priceCents < cp.MinPurchaseCents {
		return &CouponIssue{
			Code:   errs.ErrCodeCouponBelowMinimum,
			Reason: fmt.Sprintf("purchase amount is below the %d cent minimum for this coupon", cp.MinPurchaseCents),
		}
	}

	if cp.ValidFrom != nil && now.Before(*cp.ValidFrom) {
		return &CouponIssue{Code: errs.ErrCodeCouponNotStarted, Reason: "coupon is not yet active"}
	}
	if cp.ValidUntil != nil && now.After(*cp.ValidUntil) {
		return &CouponIssue{Code: errs.ErrCodeCouponExpired, Reason: "coupon has expired"}
	}

	return nil
}

// DiscountCents computes the discount a valid coupon takes off the given
// price. Percentage discounts floor toward zero. Fixed discounts are capped
// at the price itself, and MaxDiscountCents (when set) caps either form.
func DiscountCents(cp *catalog.Coupon, priceCents int64) int64 {
	var discount int64
	if cp.PercentOff > 0 {
		discount = priceCents * int64(cp.PercentOff) / 100
	} else if cp.AmountOffCents > 0 {
		discount = cp.AmountOffCents
	}

	if discount > priceCents {
		discount = priceCents
	}
	if cp.MaxDiscountCents > 0 && discount > cp.MaxDiscountCents {
		discount = cp.MaxDiscountCents
	}
	return discount
}

// FirstPurchaseBonus computes bonus credits for a user's first completed
// purchase: floor(credits * percent / 100), capped at MaxBonusCredits.
// Returns zero when no first-purchase promotion is configured.
func FirstPurchaseBonus(credits int64, promo catalog.Promotions) int64 {
	if promo.FirstPurchaseBonusPercent <= 0 || credits <= 0 {
		return 0
	}
	bonus := credits * int64(promo.FirstPurchaseBonusPercent) / 100
	if promo.MaxBonusCredits > 0 && bonus > promo.MaxBonusCredits {
		bonus = promo.MaxBonusCredits
	}
	return bonus
}
