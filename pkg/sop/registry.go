package sop

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/conductor-sh/conductor/pkg/models"
)

// defaultPolicy supplies automation-policy values a definition omits.
// User-supplied values override these (mergo fills only zero fields).
var defaultPolicy = AutomationPolicy{
	ConfidenceThreshold: 0.75,
	FinancialLimit:      10000,
}

// ResolveContext carries the entity attributes preconditions match against.
type ResolveContext struct {
	EntityType  string
	ClientTier  string
	Budget      float64
	ServiceType string
	Custom      map[string]string
}

// Registry holds loaded SOP definitions. Multiple versions of one id may
// coexist; the highest active version of each id is resolvable. Reload
// replaces the whole set atomically.
type Registry struct {
	dir string

	mu     sync.RWMutex
	byKey  map[string]*Definition // id@version → definition (all versions kept)
	active []*Definition          // highest active version per id, sorted by id
}

// NewRegistry creates an empty registry reading from dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:   dir,
		byKey: make(map[string]*Definition),
	}
}

// Load reads every .yaml/.yml file under the registry directory. Invalid
// definitions are refused and logged; valid ones replace the current set.
// A missing directory loads an empty set (SOPs are optional).
func (r *Registry) Load() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("SOP directory does not exist, loading no SOPs", "dir", r.dir)
			r.replace(nil)
			return nil
		}
		return fmt.Errorf("failed to read SOP directory %s: %w", r.dir, err)
	}

	var defs []*Definition
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(r.dir, name)
		def, err := loadDefinition(path)
		if err != nil {
			slog.Error("Refusing invalid SOP definition", "file", path, "error", err)
			continue
		}
		defs = append(defs, def)
	}

	r.replace(defs)
	slog.Info("SOP registry loaded", "dir", r.dir, "definitions", len(defs), "active", len(r.Active()))
	return nil
}

// Reload re-reads the directory. Alias kept for the explicit-reload API.
func (r *Registry) Reload() error {
	return r.Load()
}

// loadDefinition parses and validates one YAML file, merging in the
// built-in policy defaults for fields the file omits.
func loadDefinition(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var def Definition
	if err := yaml.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := mergo.Merge(&def.Policy, defaultPolicy); err != nil {
		return nil, fmt.Errorf("failed to apply policy defaults: %w", err)
	}

	if err := def.validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// replace swaps the registry content and recomputes the active set.
func (r *Registry) replace(defs []*Definition) {
	byKey := make(map[string]*Definition, len(defs))
	latest := make(map[string]*Definition)
	for _, def := range defs {
		byKey[def.Metadata.Key()] = def
		if !def.Metadata.Active {
			continue
		}
		if cur, ok := latest[def.Metadata.ID]; !ok || def.Metadata.Version > cur.Metadata.Version {
			latest[def.Metadata.ID] = def
		}
	}

	// Deterministic resolution order: stable by id.
	active := make([]*Definition, 0, len(latest))
	for _, def := range latest {
		active = append(active, def)
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].Metadata.ID < active[j].Metadata.ID
	})

	r.mu.Lock()
	r.byKey = byKey
	r.active = active
	r.mu.Unlock()
}

// Active returns the resolvable definitions (highest active version per id,
// sorted by id).
func (r *Registry) Active() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, len(r.active))
	copy(out, r.active)
	return out
}

// Get returns a specific version, or nil.
func (r *Registry) Get(id string, version int) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKey[fmt.Sprintf("%s@%d", id, version)]
}

// Resolve returns the first active SOP whose preconditions match the event
// and context, iterating in stable id order. Returns nil when none match.
func (r *Registry) Resolve(event *models.Event, rctx ResolveContext) *Definition {
	for _, def := range r.Active() {
		if preconditionsMatch(def.Preconditions, event, rctx) {
			return def
		}
	}
	return nil
}

// CanAutomate reports whether the given step may run without a human at the
// given confidence: the step is not manual, does not itself require a human,
// and confidence meets the policy threshold.
func CanAutomate(def *Definition, stepID string, confidence float64) bool {
	step := def.Step(stepID)
	if step == nil {
		return false
	}
	if step.AutomationLevel == AutomationManual || step.RequiresHuman {
		return false
	}
	return confidence >= def.Policy.ConfidenceThreshold
}

// EscalationRuleFor returns the rule matching the trigger, or nil.
func EscalationRuleFor(def *Definition, trigger string) *EscalationRule {
	for i := range def.EscalationRules {
		if def.EscalationRules[i].Trigger == trigger {
			return &def.EscalationRules[i]
		}
	}
	return nil
}

// preconditionsMatch applies every declared gate; empty gates pass.
func preconditionsMatch(p Preconditions, event *models.Event, rctx ResolveContext) bool {
	if len(p.EventTypes) > 0 && !contains(p.EventTypes, event.EventType) {
		return false
	}
	if len(p.EntityTypes) > 0 && !contains(p.EntityTypes, rctx.EntityType) {
		return false
	}
	if len(p.ClientTiers) > 0 && !contains(p.ClientTiers, rctx.ClientTier) {
		return false
	}
	if len(p.ServiceTypes) > 0 && !contains(p.ServiceTypes, rctx.ServiceType) {
		return false
	}
	if p.BudgetMin > 0 && rctx.Budget < p.BudgetMin {
		return false
	}
	if p.BudgetMax > 0 && rctx.Budget > p.BudgetMax {
		return false
	}
	for key, want := range p.Custom {
		if rctx.Custom[key] != want {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
