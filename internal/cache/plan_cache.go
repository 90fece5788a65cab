package cache

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/smallbiznis/entitlements/internal/plan/domain"
)

const defaultPlanTTL = time.Minute

// PlanCache keeps catalog lookups off the database on the check/record hot path.
// Subscriptions are never cached here: period rollover must be observed immediately.
type PlanCache interface {
	GetByID(id snowflake.ID) (plandomain.Plan, bool)
	GetByCode(code string) (plandomain.Plan, bool)
	Set(plan plandomain.Plan)
	Purge()
}

type planCache struct {
	byID   Cache[snowflake.ID, plandomain.Plan]
	byCode Cache[string, plandomain.Plan]
	ttl    time.Duration
}

func NewPlanCache() PlanCache {
	return &planCache{
		byID:   NewTTLCache[snowflake.ID, plandomain.Plan](),
		byCode: NewTTLCache[string, plandomain.Plan](),
		ttl:    defaultPlanTTL,
	}
}

func (c *planCache) GetByID(id snowflake.ID) (plandomain.Plan, bool) {
	return c.byID.Get(id)
}

func (c *planCache) GetByCode(code string) (plandomain.Plan, bool) {
	return c.byCode.Get(codeKey(code))
}

func (c *planCache) Set(plan plandomain.Plan) {
	if plan.ID == 0 {
		return
	}
	c.byID.Set(plan.ID, plan, c.ttl)
	c.byCode.Set(codeKey(plan.Code), plan, c.ttl)
}

func (c *planCache) Purge() {
	c.byID.Purge()
	c.byCode.Purge()
}

func codeKey(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
