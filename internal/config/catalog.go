package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Catalog holds the business tables loaded at startup: supported currencies,
// tax rates by currency/class and the subscription plan catalog. It is
// validated once at load so a broken table fails the process, not the first
// request that needs it.
type Catalog struct {
	Currencies []string                     `json:"currencies"`
	TaxRates   map[string]map[string]string `json:"tax_rates"` // currency -> rate class -> decimal rate
	Plans      []Plan                       `json:"plans"`
}

type Plan struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Price        int64    `json:"price"` // minor units per interval
	Currency     string   `json:"currency"`
	IntervalDays int      `json:"interval_days"`
	Features     []string `json:"features"`
}

// DefaultCatalog is the compiled-in table used when no CATALOG_FILE is set.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Currencies: []string{"usd", "eur", "gbp"},
		TaxRates: map[string]map[string]string{
			"usd": {"standard": "0.08", "reduced": "0.04", "zero": "0"},
			"eur": {"standard": "0.19", "reduced": "0.07", "zero": "0"},
			"gbp": {"standard": "0.20", "reduced": "0.05", "zero": "0"},
		},
		Plans: []Plan{
			{ID: "basic", Name: "Basic", Price: 999, Currency: "usd", IntervalDays: 30, Features: []string{"reminders", "notes"}},
			{ID: "pro", Name: "Pro", Price: 2499, Currency: "usd", IntervalDays: 30, Features: []string{"reminders", "notes", "voice", "reports"}},
			{ID: "pro_yearly", Name: "Pro Yearly", Price: 24990, Currency: "usd", IntervalDays: 365, Features: []string{"reminders", "notes", "voice", "reports"}},
		},
	}
}

// LoadCatalog reads the catalog from path, or returns the default catalog
// when path is empty. The result is always validated.
func LoadCatalog(path string) (*Catalog, error) {
	c := DefaultCatalog()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog file: %w", err)
		}
		c = &Catalog{}
		if err := json.Unmarshal(raw, c); err != nil {
			return nil, fmt.Errorf("parse catalog file: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) Validate() error {
	if len(c.Currencies) == 0 {
		return fmt.Errorf("catalog: no supported currencies")
	}
	supported := make(map[string]bool, len(c.Currencies))
	for _, cur := range c.Currencies {
		supported[cur] = true
	}
	for cur, classes := range c.TaxRates {
		if !supported[cur] {
			return fmt.Errorf("catalog: tax rates for unsupported currency %q", cur)
		}
		if _, ok := classes["standard"]; !ok {
			return fmt.Errorf("catalog: currency %q has no standard tax rate", cur)
		}
	}
	if len(c.Plans) == 0 {
		return fmt.Errorf("catalog: no plans")
	}
	seen := make(map[string]bool, len(c.Plans))
	for _, p := range c.Plans {
		if p.ID == "" {
			return fmt.Errorf("catalog: plan with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("catalog: duplicate plan %q", p.ID)
		}
		seen[p.ID] = true
		if p.Price <= 0 {
			return fmt.Errorf("catalog: plan %q has non-positive price", p.ID)
		}
		if !supported[p.Currency] {
			return fmt.Errorf("catalog: plan %q uses unsupported currency %q", p.ID, p.Currency)
		}
		if p.IntervalDays <= 0 {
			return fmt.Errorf("catalog: plan %q has non-positive interval", p.ID)
		}
	}
	return nil
}

// SupportsCurrency reports whether currency is in the supported set.
func (c *Catalog) SupportsCurrency(currency string) bool {
	for _, cur := range c.Currencies {
		if cur == currency {
			return true
		}
	}
	return false
}

// FindPlan returns the plan with the given id, or nil.
func (c *Catalog) FindPlan(id string) *Plan {
	for i := range c.Plans {
		if c.Plans[i].ID == id {
			return &c.Plans[i]
		}
	}
	return nil
}
