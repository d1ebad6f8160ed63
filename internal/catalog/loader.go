package catalog

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader reads the catalog from a YAML file and caches the parsed result.
// The cache is refreshed lazily once the TTL elapses, so catalog edits
// (new coupons, price changes) take effect without a restart. A TTL of
// zero disables caching and reloads on every access.
type Loader struct {
	path string
	ttl  time.Duration

	mu       sync.RWMutex
	cached   *Catalog
	loadedAt time.Time
}

// NewLoader creates a catalog loader for the given file path.
func NewLoader(path string, ttl time.Duration) *Loader {
	return &Loader{path: path, ttl: ttl}
}

// Get returns the current catalog, reloading from disk if the cached
// copy has expired. Concurrent callers share a single cached instance.
func (l *Loader) Get() (*Catalog, error) {
	l.mu.RLock()
	if l.cached != nil && (l.ttl > 0 && time.Since(l.loadedAt) < l.ttl) {
		c := l.cached
		l.mu.RUnlock()
		return c, nil
	}
	l.mu.RUnlock()

	return l.Reload()
}

// Reload forces a fresh read of the catalog file, replacing the cache.
// On parse failure the previous cached catalog (if any) is kept so a bad
// edit does not take the service down.
func (l *Loader) Reload() (*Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, err := loadFile(l.path)
	if err != nil {
		if l.cached != nil {
			return l.cached, nil
		}
		return nil, err
	}

	l.cached = c
	l.loadedAt = time.Now()
	return c, nil
}

func loadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog yaml: %w", err)
	}

	if err := validate(&c); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return &c, nil
}

// validate rejects catalogs with structural problems that would otherwise
// surface as confusing runtime failures at checkout time.
func validate(c *Catalog) error {
	seenPkg := make(map[string]bool, len(c.Packages))
	for _, p := range c.Packages {
		if p.ID == "" {
			return fmt.Errorf("package with empty id")
		}
		if seenPkg[p.ID] {
			return fmt.Errorf("duplicate package id %q", p.ID)
		}
		seenPkg[p.ID] = true
		if p.Credits <= 0 {
			return fmt.Errorf("package %q has non-positive credits", p.ID)
		}
		if p.PriceCents < 0 {
			return fmt.Errorf("package %q has negative price", p.ID)
		}
	}

	seenSub := make(map[string]bool, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		if s.ID == "" {
			return fmt.Errorf("subscription with empty id")
		}
		if seenSub[s.ID] {
			return fmt.Errorf("duplicate subscription id %q", s.ID)
		}
		seenSub[s.ID] = true
		if s.Interval != "month" && s.Interval != "year" {
			return fmt.Errorf("subscription %q has invalid interval %q", s.ID, s.Interval)
		}
		if s.CreditsPerPeriod <= 0 {
			return fmt.Errorf("subscription %q has non-positive credits_per_period", s.ID)
		}
	}

	seenCoupon := make(map[string]bool, len(c.Coupons))
	for _, cp := range c.Coupons {
		if cp.Code == "" {
			return fmt.Errorf("coupon with empty code")
		}
		if seenCoupon[cp.Code] {
			return fmt.Errorf("duplicate coupon code %q", cp.Code)
		}
		seenCoupon[cp.Code] = true
		if cp.PercentOff != 0 && cp.AmountOffCents != 0 {
			return fmt.Errorf("coupon %q sets both percent_off and amount_off_cents", cp.Code)
		}
		if cp.PercentOff < 0 || cp.PercentOff > 100 {
			return fmt.Errorf("coupon %q has percent_off outside 0-100", cp.Code)
		}
		if cp.AmountOffCents < 0 {
			return fmt.Errorf("coupon %q has negative amount_off_cents", cp.Code)
		}
		switch cp.AppliesTo {
		case AppliesToAll, AppliesToPackages, AppliesToSubscriptions, "":
		default:
			return fmt.Errorf("coupon %q has invalid applies_to %q", cp.Code, cp.AppliesTo)
		}
	}

	if c.Promotions.FirstPurchaseBonusPercent < 0 {
		return fmt.Errorf("negative first_purchase_bonus_percent")
	}
	if c.SignupBonusCredits < 0 {
		return fmt.Errorf("negative signup_bonus_credits")
	}
	if c.ReferralBonusCredits < 0 {
		return fmt.Errorf("negative referral_bonus_credits")
	}
	return nil
}
