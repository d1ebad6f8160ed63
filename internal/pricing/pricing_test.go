package pricing

import (
	"testing"
	"time"

	"github.com/pixelforge/credits-server/internal/catalog"
	errs "github.com/pixelforge/credits-server/internal/errors"
)

func assertIssueCode(t *testing.T, err error, want errs.ErrorCode) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error with code %s, got nil", want)
	}
	issue, ok := err.(*CouponIssue)
	if !ok {
		t.Fatalf("expected *CouponIssue, got %T: %v", err, err)
	}
	if issue.Code != want {
		t.Errorf("code = %s, want %s", issue.Code, want)
	}
}

func testCatalog() *catalog.Catalog {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 6, 30, 23, 59, 59, 0, time.UTC)
	return &catalog.Catalog{
		Packages: []catalog.CreditPackage{
			{ID: "starter", Name: "Starter", Credits: 100, PriceCents: 2000, Currency: "usd", Active: true},
			{ID: "mega", Name: "Mega", Credits: 5000, PriceCents: 50000, Currency: "usd", Active: true},
			{ID: "retired", Name: "Retired", Credits: 10, PriceCents: 100, Currency: "usd", Active: false},
		},
		Subscriptions: []catalog.SubscriptionPlan{
			{ID: "pro-monthly", Name: "Pro", CreditsPerPeriod: 500, PriceCents: 1999, Currency: "usd", Interval: "month", Active: true},
		},
		Coupons: []catalog.Coupon{
			{Code: "TEN", Active: true, PercentOff: 10, AppliesTo: catalog.AppliesToAll},
			{Code: "FIXED50", Active: true, AmountOffCents: 5000, AppliesTo: catalog.AppliesToPackages},
			{Code: "CAPPED", Active: true, PercentOff: 50, MaxDiscountCents: 300, AppliesTo: catalog.AppliesToAll},
			{Code: "DEAD", Active: false, PercentOff: 10, AppliesTo: catalog.AppliesToAll},
			{Code: "SUBONLY", Active: true, PercentOff: 20, AppliesTo: catalog.AppliesToSubscriptions},
			{Code: "MEGAONLY", Active: true, PercentOff: 5, AppliesTo: catalog.AppliesToPackages, ValidItems: []string{"mega"}},
			{Code: "BIGSPEND", Active: true, PercentOff: 15, AppliesTo: catalog.AppliesToAll, MinPurchaseCents: 10000},
			{Code: "WINDOWED", Active: true, PercentOff: 10, AppliesTo: catalog.AppliesToAll, ValidFrom: &from, ValidUntil: &until},
		},
		Promotions: catalog.Promotions{FirstPurchaseBonusPercent: 10, MaxBonusCredits: 200},
	}
}

func TestQuotePackageNoCoupon(t *testing.T) {
	q, err := QuotePackage(testCatalog(), "starter", "", time.Now())
	if err != nil {
		t.Fatalf("QuotePackage: %v", err)
	}
	if q.BaseCents != 2000 || q.DiscountCents != 0 || q.TotalCents != 2000 {
		t.Errorf("quote = %+v", q)
	}
	if q.Credits != 100 {
		t.Errorf("credits = %d, want 100", q.Credits)
	}
}

func TestQuotePackagePercentDiscount(t *testing.T) {
	q, err := QuotePackage(testCatalog(), "starter", "TEN", time.Now())
	if err != nil {
		t.Fatalf("QuotePackage: %v", err)
	}
	// 10% of 2000 cents = 200 cents off
	if q.DiscountCents != 200 {
		t.Errorf("discount = %d, want 200", q.DiscountCents)
	}
	if q.TotalCents != 1800 {
		t.Errorf("total = %d, want 1800", q.TotalCents)
	}
}

func TestQuotePackageFixedDiscountCappedAtPrice(t *testing.T) {
	// 5000 cents off a 2000 cent package must not go negative
	q, err := QuotePackage(testCatalog(), "starter", "FIXED50", time.Now())
	if err != nil {
		t.Fatalf("QuotePackage: %v", err)
	}
	if q.DiscountCents != 2000 {
		t.Errorf("discount = %d, want 2000 (capped at price)", q.DiscountCents)
	}
	if q.TotalCents != 0 {
		t.Errorf("total = %d, want 0", q.TotalCents)
	}
}

func TestQuotePackageMaxDiscountCap(t *testing.T) {
	// 50% of 2000 = 1000, but the coupon caps discounts at 300
	q, err := QuotePackage(testCatalog(), "starter", "CAPPED", time.Now())
	if err != nil {
		t.Fatalf("QuotePackage: %v", err)
	}
	if q.DiscountCents != 300 {
		t.Errorf("discount = %d, want 300", q.DiscountCents)
	}
}

func TestQuoteInactivePackage(t *testing.T) {
	_, err := QuotePackage(testCatalog(), "retired", "", time.Now())
	assertIssueCode(t, err, errs.ErrCodePackageNotFound)
}

func TestQuoteUnknownCoupon(t *testing.T) {
	_, err := QuotePackage(testCatalog(), "starter", "NOSUCH", time.Now())
	assertIssueCode(t, err, errs.ErrCodeCouponNotFound)
}

func TestQuoteSubscriptionWithCoupon(t *testing.T) {
	q, err := QuoteSubscription(testCatalog(), "pro-monthly", "SUBONLY", time.Now())
	if err != nil {
		t.Fatalf("QuoteSubscription: %v", err)
	}
	// 20% of 1999 = 399.8, floors to 399
	if q.DiscountCents != 399 {
		t.Errorf("discount = %d, want 399", q.DiscountCents)
	}
	if q.TotalCents != 1600 {
		t.Errorf("total = %d, want 1600", q.TotalCents)
	}
}

func TestValidateCouponRules(t *testing.T) {
	cat := testCatalog()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		coupon   string
		kind     ItemKind
		itemID   string
		price    int64
		at       time.Time
		wantCode errs.ErrorCode // empty means valid
	}{
		{"valid percent coupon", "TEN", KindPackage, "starter", 2000, now, ""},
		{"inactive coupon", "DEAD", KindPackage, "starter", 2000, now, errs.ErrCodeCouponInactive},
		{"subscription-only on package", "SUBONLY", KindPackage, "starter", 2000, now, errs.ErrCodeCouponNotApplicable},
		{"package-only on subscription", "FIXED50", KindSubscription, "pro-monthly", 1999, now, errs.ErrCodeCouponNotApplicable},
		{"wrong item", "MEGAONLY", KindPackage, "starter", 2000, now, errs.ErrCodeCouponNotApplicable},
		{"right item", "MEGAONLY", KindPackage, "mega", 50000, now, ""},
		{"below minimum", "BIGSPEND", KindPackage, "starter", 2000, now, errs.ErrCodeCouponBelowMinimum},
		{"above minimum", "BIGSPEND", KindPackage, "mega", 50000, now, ""},
		{"before window", "WINDOWED", KindPackage, "starter", 2000, time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC), errs.ErrCodeCouponNotStarted},
		{"inside window", "WINDOWED", KindPackage, "starter", 2000, now, ""},
		{"after window", "WINDOWED", KindPackage, "starter", 2000, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), errs.ErrCodeCouponExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cp := cat.Coupon(tt.coupon)
			if cp == nil {
				t.Fatalf("coupon %q missing from test catalog", tt.coupon)
			}
			issue := ValidateCoupon(cp, tt.kind, tt.itemID, tt.price, tt.at)
			if tt.wantCode == "" {
				if issue != nil {
					t.Errorf("unexpected issue: %v", issue)
				}
				return
			}
			if issue == nil {
				t.Fatalf("expected issue with code %s", tt.wantCode)
			}
			if issue.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", issue.Code, tt.wantCode)
			}
			if issue.Reason == "" {
				t.Error("issue has empty reason")
			}
		})
	}
}

func TestFirstPurchaseBonus(t *testing.T) {
	promo := catalog.Promotions{FirstPurchaseBonusPercent: 10, MaxBonusCredits: 200}

	tests := []struct {
		credits int64
		want    int64
	}{
		{100, 10},
		{105, 10},   // floors
		{5000, 200}, // capped at max
		{0, 0},
	}
	for _, tt := range tests {
		if got := FirstPurchaseBonus(tt.credits, promo); got != tt.want {
			t.Errorf("FirstPurchaseBonus(%d) = %d, want %d", tt.credits, got, tt.want)
		}
	}

	if got := FirstPurchaseBonus(100, catalog.Promotions{}); got != 0 {
		t.Errorf("bonus with no promotion = %d, want 0", got)
	}
}
