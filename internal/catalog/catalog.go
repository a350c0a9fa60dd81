// Package catalog serves the read-only investment plan catalog. Plans are
// admin-managed elsewhere; the engine only looks them up by id.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/ledger-engine/internal/model"
)

// Catalog looks up investment plans.
type Catalog interface {
	Plan(ctx context.Context, id string) (*model.InvestmentPlan, error)
	Plans(ctx context.Context) ([]model.InvestmentPlan, error)
}

// planFile is the on-disk shape. Amounts are strings so YAML floats never
// touch money.
type planFile struct {
	Plans []struct {
		ID              string `yaml:"id"`
		Name            string `yaml:"name"`
		MinAmount       string `yaml:"min_amount"`
		MaxAmount       string `yaml:"max_amount"`
		ROIPercent      string `yaml:"roi_percent"`
		DurationDays    int    `yaml:"duration_days"`
		ReturnPrincipal bool   `yaml:"return_principal"`
	} `yaml:"plans"`
}

// Static is an immutable in-memory catalog.
type Static struct {
	plans map[string]model.InvestmentPlan
}

// NewStatic builds a catalog from plans, validating each one.
func NewStatic(plans ...model.InvestmentPlan) (*Static, error) {
	c := &Static{plans: make(map[string]model.InvestmentPlan, len(plans))}
	for _, p := range plans {
		if err := validate(p); err != nil {
			return nil, err
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("plan %q: duplicate id", p.ID)
		}
		c.plans[p.ID] = p
	}
	return c, nil
}

// LoadFile reads a YAML plan file.
func LoadFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML plan document.
func Parse(data []byte) (*Static, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}

	plans := make([]model.InvestmentPlan, 0, len(f.Plans))
	for _, raw := range f.Plans {
		p := model.InvestmentPlan{
			ID:              raw.ID,
			Name:            raw.Name,
			DurationDays:    raw.DurationDays,
			ReturnPrincipal: raw.ReturnPrincipal,
		}
		var err error
		if p.MinAmount, err = decimal.NewFromString(raw.MinAmount); err != nil {
			return nil, fmt.Errorf("plan %q min_amount: %w", raw.ID, err)
		}
		if p.MaxAmount, err = decimal.NewFromString(raw.MaxAmount); err != nil {
			return nil, fmt.Errorf("plan %q max_amount: %w", raw.ID, err)
		}
		if p.ROIPercent, err = decimal.NewFromString(raw.ROIPercent); err != nil {
			return nil, fmt.Errorf("plan %q roi_percent: %w", raw.ID, err)
		}
		plans = append(plans, p)
	}
	return NewStatic(plans...)
}

func validate(p model.InvestmentPlan) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("plan: empty id")
	case p.DurationDays <= 0:
		return fmt.Errorf("plan %q: duration_days must be positive", p.ID)
	case p.MinAmount.IsNegative():
		return fmt.Errorf("plan %q: min_amount must not be negative", p.ID)
	case p.MaxAmount.LessThan(p.MinAmount):
		return fmt.Errorf("plan %q: max_amount below min_amount", p.ID)
	case p.ROIPercent.IsNegative():
		return fmt.Errorf("plan %q: roi_percent must not be negative", p.ID)
	}
	return nil
}

func (c *Static) Plan(_ context.Context, id string) (*model.InvestmentPlan, error) {
	p, ok := c.plans[id]
	if !ok {
		return nil, model.NotFound("plan", id)
	}
	return &p, nil
}

// Plans returns every plan ordered by id.
func (c *Static) Plans(_ context.Context) ([]model.InvestmentPlan, error) {
	out := make([]model.InvestmentPlan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
