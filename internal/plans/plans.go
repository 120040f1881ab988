package plans

import (
	"errors"
	"fmt"
	"time"
)

var ErrUnknownPlan = errors.New("unknown plan")

const AdminKey = "admin"

const day = 24 * time.Hour

type Plan struct {
	Key      string
	Name     string
	Duration time.Duration
	Quota    int
	Price    int64 // kopeks
}

func (p Plan) Days() int {
	return int(p.Duration / day)
}

func (p Plan) Purchasable() bool {
	return p.Key != AdminKey && p.Price > 0
}

// PriceString renders the price in whole rubles with kopeks, e.g. "1200.00".
func (p Plan) PriceString() string {
	return fmt.Sprintf("%d.%02d", p.Price/100, p.Price%100)
}

type Catalog struct {
	plans []Plan
	byKey map[string]Plan
}

// NewCatalog returns the purchasable tiers plus the admin grant plan sized by adminQuota.
func NewCatalog(adminQuota int) *Catalog {
	list := []Plan{
		{Key: "1m", Name: "1 месяц", Duration: 30 * day, Quota: 5, Price: 500_00},
		{Key: "3m", Name: "3 месяца", Duration: 90 * day, Quota: 15, Price: 1200_00},
		{Key: "6m", Name: "6 месяцев", Duration: 180 * day, Quota: 30, Price: 2000_00},
		{Key: "12m", Name: "12 месяцев", Duration: 365 * day, Quota: 60, Price: 3500_00},
		{Key: AdminKey, Name: "Выдано администратором", Duration: 30 * day, Quota: adminQuota},
	}
	c := &Catalog{plans: list, byKey: make(map[string]Plan, len(list))}
	for _, p := range list {
		c.byKey[p.Key] = p
	}
	return c
}

func (c *Catalog) Lookup(key string) (Plan, error) {
	p, ok := c.byKey[key]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, key)
	}
	return p, nil
}

// Purchasable lists the plans offered to users, in display order.
func (c *Catalog) Purchasable() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Purchasable() {
			out = append(out, p)
		}
	}
	return out
}

// AdminGrant is the plan used when an operator grants days to a user without an
// active subscription.
func (c *Catalog) AdminGrant(days int) Plan {
	p := c.byKey[AdminKey]
	p.Duration = time.Duration(days) * day
	return p
}
