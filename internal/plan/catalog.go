// Package plan 积分套餐目录，进程启动时加载，之后只读
package plan

import (
	"errors"
	"fmt"
	"sort"

	"creditledger/internal/config"
)

var ErrInvalidPlan = errors.New("invalid plan")

// Plan 一个可购买的积分包，价格以最小货币单位（分/paise）计
type Plan struct {
	ID              string `json:"plan_id"`
	Name            string `json:"name"`
	Credits         int64  `json:"credits"`
	PriceMinorUnits int64  `json:"price_minor_units"`
	Currency        string `json:"currency"`
}

type Catalog struct {
	plans map[string]Plan
	ids   []string
}

// DefaultPlans 配置文件未声明套餐时使用
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "credits_10", Name: "Starter", Credits: 10, PriceMinorUnits: 9900, Currency: "INR"},
		{ID: "credits_30", Name: "Writer", Credits: 30, PriceMinorUnits: 24900, Currency: "INR"},
		{ID: "credits_70", Name: "Publisher", Credits: 70, PriceMinorUnits: 49900, Currency: "INR"},
		{ID: "credits_150", Name: "Studio", Credits: 150, PriceMinorUnits: 99900, Currency: "INR"},
	}
}

func NewCatalog(plans []Plan) (*Catalog, error) {
	c := &Catalog{plans: make(map[string]Plan, len(plans))}
	for _, p := range plans {
		if p.ID == "" {
			return nil, errors.New("plan id is required")
		}
		if p.Credits <= 0 {
			return nil, fmt.Errorf("plan %s: credits must be positive", p.ID)
		}
		if p.PriceMinorUnits <= 0 {
			return nil, fmt.Errorf("plan %s: price must be positive", p.ID)
		}
		if p.Currency == "" {
			return nil, fmt.Errorf("plan %s: currency is required", p.ID)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan %s declared twice", p.ID)
		}
		c.plans[p.ID] = p
		c.ids = append(c.ids, p.ID)
	}
	return c, nil
}

// FromConfig 从配置构建目录，配置为空时回退到 DefaultPlans
func FromConfig(cfgs []config.PlanConfig) (*Catalog, error) {
	if len(cfgs) == 0 {
		return NewCatalog(DefaultPlans())
	}
	plans := make([]Plan, 0, len(cfgs))
	for _, pc := range cfgs {
		plans = append(plans, Plan{
			ID:              pc.ID,
			Name:            pc.Name,
			Credits:         pc.Credits,
			PriceMinorUnits: pc.PriceMinorUnits,
			Currency:        pc.Currency,
		})
	}
	return NewCatalog(plans)
}

func (c *Catalog) Get(planID string) (Plan, error) {
	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrInvalidPlan, planID)
	}
	return p, nil
}

// List 按积分数升序返回全部套餐
func (c *Catalog) List() []Plan {
	out := make([]Plan, 0, len(c.ids))
	for _, id := range c.ids {
		out = append(out, c.plans[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
