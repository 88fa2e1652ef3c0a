// Package catalog maps plans to provider prices and token allotments.
package catalog

import (
	"strings"

	"github.com/dukerupert/reckon/internal/domain"
	"github.com/rs/zerolog/log"
)

// ErrPriceNotConfigured is returned when neither a market price nor a legacy
// price exists for a plan and interval.
var ErrPriceNotConfigured = &domain.Error{Code: domain.ENOTFOUND, Message: "price not configured"}

// DefaultAllotments are the monthly token allotments per plan.
var DefaultAllotments = map[domain.PlanID]int64{
	domain.PlanFree:  0,
	domain.PlanTier1: 100,
	domain.PlanTier2: 500,
	domain.PlanTier3: 1500,
}

// PriceTable maps plan to interval to provider price id.
type PriceTable map[domain.PlanID]map[domain.Interval]string

// Config is the static catalog definition, usually loaded from configuration.
type Config struct {
	// Markets maps a market code (e.g. "us", "eu") to its price table.
	Markets map[string]PriceTable `mapstructure:"markets"`

	// Legacy is the global price table used before per-market pricing existed.
	Legacy PriceTable `mapstructure:"legacy"`

	// Allotments overrides DefaultAllotments per plan.
	Allotments map[domain.PlanID]int64 `mapstructure:"allotments"`
}

// PriceRef is the reverse lookup result for a price id.
type PriceRef struct {
	Market   string // empty for legacy prices
	Plan     domain.PlanID
	Interval domain.Interval
}

// Catalog resolves prices and allotments. It is immutable after New and safe
// for concurrent use.
type Catalog struct {
	markets    map[string]PriceTable
	legacy     PriceTable
	allotments map[domain.PlanID]int64
	byPrice    map[string]PriceRef
}

// New builds a catalog from cfg. Market codes are case-insensitive.
func New(cfg Config) *Catalog {
	c := &Catalog{
		markets:    make(map[string]PriceTable, len(cfg.Markets)),
		legacy:     cfg.Legacy,
		allotments: make(map[domain.PlanID]int64, len(DefaultAllotments)),
		byPrice:    make(map[string]PriceRef),
	}

	for plan, n := range DefaultAllotments {
		c.allotments[plan] = n
	}
	for plan, n := range cfg.Allotments {
		c.allotments[plan] = n
	}

	for market, table := range cfg.Markets {
		market = normalizeMarket(market)
		c.markets[market] = table
		c.index(market, table)
	}
	c.index("", cfg.Legacy)

	return c
}

func (c *Catalog) index(market string, table PriceTable) {
	for plan, byInterval := range table {
		for interval, priceID := range byInterval {
			if priceID == "" {
				continue
			}
			// Market-specific entries win over legacy ones sharing an id.
			if _, ok := c.byPrice[priceID]; ok && market == "" {
				continue
			}
			c.byPrice[priceID] = PriceRef{Market: market, Plan: plan, Interval: interval}
		}
	}
}

// Resolve returns the provider price id for a plan in a market. When the
// market has no price, the legacy global price is returned and a
// configuration warning is logged. ErrPriceNotConfigured means neither exists.
func (c *Catalog) Resolve(market string, plan domain.PlanID, interval domain.Interval) (string, error) {
	market = normalizeMarket(market)

	if id := c.markets[market][plan][interval]; id != "" {
		return id, nil
	}

	if id := c.legacy[plan][interval]; id != "" {
		log.Warn().
			Str("market", market).
			Str("plan", string(plan)).
			Str("interval", string(interval)).
			Str("price_id", id).
			Msg("market price missing, falling back to legacy price")
		return id, nil
	}

	return "", &domain.Error{
		Code:    ErrPriceNotConfigured.Code,
		Op:      "catalog.resolve",
		Message: ErrPriceNotConfigured.Message,
	}
}

// Allotment returns the monthly token allotment of plan. Unknown plans get zero.
func (c *Catalog) Allotment(plan domain.PlanID) int64 {
	return c.allotments[plan]
}

// LookupPrice finds which plan and interval a provider price id belongs to.
func (c *Catalog) LookupPrice(priceID string) (PriceRef, bool) {
	ref, ok := c.byPrice[priceID]
	return ref, ok
}

func normalizeMarket(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}
