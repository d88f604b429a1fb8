// Package plan holds the static plan/price catalog. The catalog is
// read-only input for checkout creation and audit; the reconciliation
// ledger trusts the provider-reported amount, not the catalog price.
package plan

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingCycle is the subscription renewal interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// ParseBillingCycle normalizes a provider-reported cycle, defaulting
// to monthly when the metadata is absent.
func ParseBillingCycle(raw string) BillingCycle {
	if strings.ToLower(strings.TrimSpace(raw)) == string(CycleYearly) {
		return CycleYearly
	}
	return CycleMonthly
}

// Plan describes one purchasable tier. Prices are minor units (cents).
type Plan struct {
	ID                string   `mapstructure:"id"`
	Name              string   `mapstructure:"name"`
	MonthlyPriceCents int64    `mapstructure:"monthlyPriceCents"`
	YearlyPriceCents  int64    `mapstructure:"yearlyPriceCents"`
	Currency          string   `mapstructure:"currency"`
	Features          []string `mapstructure:"features"`
}

func (p Plan) PriceFor(cycle BillingCycle) int64 {
	if cycle == CycleYearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// Free plans are not purchasable through checkout.
func (p Plan) Purchasable() bool {
	return p.MonthlyPriceCents > 0
}

func DefaultPlans() []Plan {
	return []Plan{
		{
			ID:       "free",
			Name:     "Free",
			Currency: "BRL",
			Features: []string{"50 messages per day", "basic templates", "email support"},
		},
		{
			ID:                "pro",
			Name:              "Pro",
			MonthlyPriceCents: 4700,
			YearlyPriceCents:  47000,
			Currency:          "BRL",
			Features:          []string{"1000 messages per day", "all templates", "API access", "priority support"},
		},
		{
			ID:                "enterprise",
			Name:              "Enterprise",
			MonthlyPriceCents: 19700,
			YearlyPriceCents:  197000,
			Currency:          "BRL",
			Features:          []string{"unlimited messages", "custom templates", "dedicated API", "24/7 support"},
		},
	}
}

// Catalog serves plan lookups, hot reloading from plans.yml when present.
type Catalog struct {
	current atomic.Value // holds map[string]Plan
}

func NewCatalog() (*Catalog, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/luna")
	v.AddConfigPath(".")

	plans := DefaultPlans()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		loaded, err := unmarshalPlans(v)
		if err != nil {
			return nil, err
		}
		plans = loaded
	}
	if err := validatePlans(plans); err != nil {
		return nil, err
	}

	catalog := &Catalog{}
	catalog.current.Store(index(plans))

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := unmarshalPlans(v)
		if err != nil {
			log.Printf("[plan-catalog] reload failed: %v", err)
			return
		}
		if err := validatePlans(updated); err != nil {
			log.Printf("[plan-catalog] invalid catalog ignored: %v", err)
			return
		}
		catalog.current.Store(index(updated))
		log.Printf("[plan-catalog] reloaded from %s", e.Name)
	})

	return catalog, nil
}

// NewStaticCatalog builds a catalog from fixed plans, for tests.
func NewStaticCatalog(plans []Plan) *Catalog {
	catalog := &Catalog{}
	catalog.current.Store(index(plans))
	return catalog
}

func (c *Catalog) Lookup(planID string) (Plan, bool) {
	plans := c.current.Load().(map[string]Plan)
	plan, ok := plans[strings.ToLower(strings.TrimSpace(planID))]
	return plan, ok
}

func unmarshalPlans(v *viper.Viper) ([]Plan, error) {
	var plans []Plan
	if err := v.UnmarshalKey("plans", &plans); err != nil {
		return nil, err
	}
	return plans, nil
}

func validatePlans(plans []Plan) error {
	if len(plans) == 0 {
		return errors.New("plan catalog cannot be empty")
	}
	seen := map[string]bool{}
	for _, p := range plans {
		id := strings.ToLower(strings.TrimSpace(p.ID))
		if id == "" {
			return errors.New("plan id cannot be empty")
		}
		if seen[id] {
			return errors.New("duplicate plan id: " + id)
		}
		seen[id] = true
		if p.MonthlyPriceCents < 0 || p.YearlyPriceCents < 0 {
			return errors.New("plan price cannot be negative: " + id)
		}
	}
	return nil
}

func index(plans []Plan) map[string]Plan {
	out := make(map[string]Plan, len(plans))
	for _, p := range plans {
		out[strings.ToLower(strings.TrimSpace(p.ID))] = p
	}
	return out
}
