package catalog

import (
	"strings"
	"time"
)

// CreditPackage is a one-time purchasable bundle of credits.
type CreditPackage struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Credits     int64  `yaml:"credits" json:"credits"`
	PriceCents  int64  `yaml:"price_cents" json:"price_cents"`
	Currency    string `yaml:"currency" json:"currency"`
	Active      bool   `yaml:"active" json:"active"`
}

// SubscriptionPlan grants credits on a recurring interval.
type SubscriptionPlan struct {
	ID               string `yaml:"id" json:"id"`
	Name             string `yaml:"name" json:"name"`
	Description      string `yaml:"description,omitempty" json:"description,omitempty"`
	CreditsPerPeriod int64  `yaml:"credits_per_period" json:"credits_per_period"`
	PriceCents       int64  `yaml:"price_cents" json:"price_cents"`
	Currency         string `yaml:"currency" json:"currency"`
	Interval         string `yaml:"interval" json:"interval"` // "month" or "year"
	Active           bool   `yaml:"active" json:"active"`
}

// CouponAppliesTo constrains which catalog item kinds a coupon can discount.
type CouponAppliesTo string

const (
	AppliesToAll           CouponAppliesTo = "all"
	AppliesToPackages      CouponAppliesTo = "packages"
	AppliesToSubscriptions CouponAppliesTo = "subscriptions"
)

// Coupon is a discount code applied at checkout.
// Either PercentOff or AmountOffCents is set, not both.
type Coupon struct {
	Code             string          `yaml:"code" json:"code"`
	Active           bool            `yaml:"active" json:"active"`
	PercentOff       int             `yaml:"percent_off,omitempty" json:"percent_off,omitempty"`
	AmountOffCents   int64           `yaml:"amount_off_cents,omitempty" json:"amount_off_cents,omitempty"`
	AppliesTo        CouponAppliesTo `yaml:"applies_to" json:"applies_to"`
	ValidItems       []string        `yaml:"valid_items,omitempty" json:"valid_items,omitempty"` // Empty means any item of the allowed kind
	MinPurchaseCents int64           `yaml:"min_purchase_cents,omitempty" json:"min_purchase_cents,omitempty"`
	MaxDiscountCents int64           `yaml:"max_discount_cents,omitempty" json:"max_discount_cents,omitempty"`
	ValidFrom        *time.Time      `yaml:"valid_from,omitempty" json:"valid_from,omitempty"`
	ValidUntil       *time.Time      `yaml:"valid_until,omitempty" json:"valid_until,omitempty"`
}

// Promotions holds site-wide promotional rules.
type Promotions struct {
	// Bonus credits granted on a user's first completed purchase,
	// computed as floor(credits * percent / 100) and capped at MaxBonusCredits.
	FirstPurchaseBonusPercent int   `yaml:"first_purchase_bonus_percent" json:"first_purchase_bonus_percent"`
	MaxBonusCredits           int64 `yaml:"max_bonus_credits" json:"max_bonus_credits"`
}

// Catalog is the full set of purchasable items and promotional rules.
// Instances are immutable once loaded; the Loader hands out fresh copies.
type Catalog struct {
	Packages             []CreditPackage    `yaml:"packages" json:"packages"`
	Subscriptions        []SubscriptionPlan `yaml:"subscriptions" json:"subscriptions"`
	Coupons              []Coupon           `yaml:"coupons" json:"coupons"`
	Promotions           Promotions         `yaml:"promotions" json:"promotions"`
	SignupBonusCredits   int64              `yaml:"signup_bonus_credits" json:"signup_bonus_credits"`
	ReferralBonusCredits int64              `yaml:"referral_bonus_credits" json:"referral_bonus_credits"`
}

// Package returns the package with the given ID, or nil if not found.
func (c *Catalog) Package(id string) *CreditPackage {
	for i := range c.Packages {
		if c.Packages[i].ID == id {
			return &c.Packages[i]
		}
	}
	return nil
}

// Subscription returns the subscription plan with the given ID, or nil if not found.
func (c *Catalog) Subscription(id string) *SubscriptionPlan {
	for i := range c.Subscriptions {
		if c.Subscriptions[i].ID == id {
			return &c.Subscriptions[i]
		}
	}
	return nil
}

// Coupon returns the coupon with the given code (case-insensitive), or nil if not found.
func (c *Catalog) Coupon(code string) *Coupon {
	code = strings.ToUpper(strings.TrimSpace(code))
	for i := range c.Coupons {
		if strings.ToUpper(c.Coupons[i].Code) == code {
			return &c.Coupons[i]
		}
	}
	return nil
}

// ActivePackages returns only the packages currently available for purchase.
func (c *Catalog) ActivePackages() []CreditPackage {
	out := make([]CreditPackage, 0, len(c.Packages))
	for _, p := range c.Packages {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// ActiveSubscriptions returns only the plans currently available for purchase.
func (c *Catalog) ActiveSubscriptions() []SubscriptionPlan {
	out := make([]SubscriptionPlan, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if s.Active {
			out = append(out, s)
		}
	}
	return out
}
