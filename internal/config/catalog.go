package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PlanDefinition is one entry of the plan catalog file.
type PlanDefinition struct {
	Code         string           `mapstructure:"code"`
	Name         string           `mapstructure:"name"`
	Description  string           `mapstructure:"description"`
	Limits       map[string]int64 `mapstructure:"limits"`
	OverageRules OverageRules     `mapstructure:"overageRules"`
}

type OverageRules struct {
	AllowOverage bool `mapstructure:"allowOverage"`
	HardStop     bool `mapstructure:"hardStop"`
}

// Catalog is the administered set of plans seeded into the database.
type Catalog struct {
	Plans []PlanDefinition `mapstructure:"plans"`
}

func DefaultCatalog() Catalog {
	return Catalog{
		Plans: []PlanDefinition{
			{
				Code:        "BASIC",
				Name:        "Basic",
				Description: "Entry plan with strict monthly quotas",
				Limits: map[string]int64{
					"photo_analysis":    100,
					"report_generation": 10,
				},
				OverageRules: OverageRules{HardStop: true},
			},
			{
				Code:        "PRO",
				Name:        "Pro",
				Description: "Higher quotas with tracked overage",
				Limits: map[string]int64{
					"photo_analysis":    2000,
					"report_generation": 200,
					"ai_analysis":       500,
				},
				OverageRules: OverageRules{AllowOverage: true},
			},
		},
	}
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog

	mu        sync.Mutex
	listeners []func(Catalog)
}

// NewCatalogHolder reads plans.yml and keeps it hot-reloaded.
func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/entitlements/config")
	v.AddConfigPath("/etc/entitlements")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ENTITLEMENTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultCatalog()
	if fileFound {
		var loaded Catalog
		if err := v.UnmarshalKey("catalog", &loaded); err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := ValidateCatalog(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[plan-catalog] reload failed: %v", err)
			return
		}
		if err := holder.Replace(updated); err != nil {
			log.Printf("[plan-catalog] invalid catalog ignored: %v", err)
			return
		}
		log.Printf("[plan-catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticCatalogHolder wraps a fixed catalog; used by tests and when no file exists.
func NewStaticCatalogHolder(cfg Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

// OnChange registers fn to run after every successful reload.
func (h *CatalogHolder) OnChange(fn func(Catalog)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

// Replace validates cfg, swaps it in and notifies listeners.
func (h *CatalogHolder) Replace(cfg Catalog) error {
	if err := ValidateCatalog(cfg); err != nil {
		return err
	}
	h.current.Store(cfg)

	h.mu.Lock()
	listeners := append([]func(Catalog){}, h.listeners...)
	h.mu.Unlock()

	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

func ValidateCatalog(cfg Catalog) error {
	if len(cfg.Plans) == 0 {
		return errors.New("catalog.plans cannot be empty")
	}
	seen := make(map[string]struct{}, len(cfg.Plans))
	for _, plan := range cfg.Plans {
		code := strings.ToUpper(strings.TrimSpace(plan.Code))
		if code == "" {
			return errors.New("catalog.plans[].code is required")
		}
		if _, ok := seen[code]; ok {
			return fmt.Errorf("catalog plan %s is declared twice", code)
		}
		seen[code] = struct{}{}
		for usageType, limit := range plan.Limits {
			if strings.TrimSpace(usageType) == "" {
				return fmt.Errorf("catalog plan %s has an empty usage type", code)
			}
			if limit < 0 {
				return fmt.Errorf("catalog plan %s limit for %s must not be negative", code, usageType)
			}
		}
	}
	return nil
}

// ContradictoryOverage lists plan codes that set both allowOverage and hardStop.
func ContradictoryOverage(cfg Catalog) []string {
	var codes []string
	for _, plan := range cfg.Plans {
		if plan.OverageRules.AllowOverage && plan.OverageRules.HardStop {
			codes = append(codes, strings.ToUpper(strings.TrimSpace(plan.Code)))
		}
	}
	return codes
}
