package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCatalog(t *testing.T) {
	require.NoError(t, ValidateCatalog(DefaultCatalog()))

	tests := []struct {
		name    string
		catalog Catalog
	}{
		{"empty", Catalog{}},
		{"missing code", Catalog{Plans: []PlanDefinition{{Name: "x"}}}},
		{"duplicate code", Catalog{Plans: []PlanDefinition{{Code: "pro"}, {Code: "PRO"}}}},
		{"negative limit", Catalog{Plans: []PlanDefinition{{Code: "A", Limits: map[string]int64{"x": -1}}}}},
		{"blank usage type", Catalog{Plans: []PlanDefinition{{Code: "A", Limits: map[string]int64{" ": 1}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateCatalog(tt.catalog))
		})
	}
}

func TestContradictoryOverage(t *testing.T) {
	catalog := Catalog{Plans: []PlanDefinition{
		{Code: "basic", OverageRules: OverageRules{HardStop: true}},
		{Code: "mixed", OverageRules: OverageRules{AllowOverage: true, HardStop: true}},
	}}
	assert.Equal(t, []string{"MIXED"}, ContradictoryOverage(catalog))
	assert.Empty(t, ContradictoryOverage(DefaultCatalog()))
}

func TestCatalogHolder_Replace(t *testing.T) {
	holder := NewStaticCatalogHolder(DefaultCatalog())

	var notified []Catalog
	holder.OnChange(func(c Catalog) { notified = append(notified, c) })

	assert.Error(t, holder.Replace(Catalog{}))
	assert.Empty(t, notified)
	assert.Len(t, holder.Get().Plans, 2)

	next := Catalog{Plans: []PlanDefinition{{Code: "SOLO", Limits: map[string]int64{"photo_analysis": 5}}}}
	require.NoError(t, holder.Replace(next))
	require.Len(t, notified, 1)
	assert.Equal(t, "SOLO", holder.Get().Plans[0].Code)
}
