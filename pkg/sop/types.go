// Package sop loads and resolves declarative Standard Operating Procedures.
// SOPs are versioned YAML documents describing when a business process
// applies, which steps it runs, and under what policy steps may execute
// without a human.
package sop

import "fmt"

// Automation levels a step may declare.
const (
	AutomationFull     = "full"
	AutomationAssisted = "assisted"
	AutomationManual   = "manual"
)

// Definition is one versioned SOP document.
type Definition struct {
	Metadata        Metadata          `yaml:"metadata"`
	Preconditions   Preconditions     `yaml:"preconditions"`
	Steps           []Step            `yaml:"steps"`
	Policy          AutomationPolicy  `yaml:"automation_policy"`
	EscalationRules []EscalationRule  `yaml:"escalation_rules"`
	Metrics         map[string]string `yaml:"metrics"`
}

// Metadata identifies a SOP and its version.
type Metadata struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Version     int    `yaml:"version"`
	Description string `yaml:"description"`
	Owner       string `yaml:"owner"`
	Active      bool   `yaml:"active"`
}

// Key returns the "id@version" identity of the definition.
func (m Metadata) Key() string {
	return fmt.Sprintf("%s@%d", m.ID, m.Version)
}

// Preconditions gate whether a SOP applies to an event in context.
// Empty fields match everything.
type Preconditions struct {
	EventTypes   []string          `yaml:"event_types"`
	EntityTypes  []string          `yaml:"entity_types"`
	ClientTiers  []string          `yaml:"client_tiers"`
	BudgetMin    float64           `yaml:"budget_min"`
	BudgetMax    float64           `yaml:"budget_max"`
	ServiceTypes []string          `yaml:"service_types"`
	Custom       map[string]string `yaml:"custom"`
}

// Step is one unit of a SOP's procedure.
type Step struct {
	ID               string   `yaml:"id"`
	Name             string   `yaml:"name"`
	AutomationLevel  string   `yaml:"automation_level"`
	ResponsibleAgent string   `yaml:"responsible_agent"`
	RequiresHuman    bool     `yaml:"requires_human"`
	TimeoutHours     float64  `yaml:"timeout_hours"`
	Actions          []string `yaml:"actions"`
	FailureHandling  string   `yaml:"failure_handling"`
}

// AutomationPolicy bounds what the SOP's steps may do autonomously.
type AutomationPolicy struct {
	AllowedActions      []string          `yaml:"allowed_actions"`
	ForbiddenActions    []string          `yaml:"forbidden_actions"`
	ConfidenceThreshold float64           `yaml:"confidence_threshold"`
	FinancialLimit      float64           `yaml:"financial_limit"`
	DualApproval        bool              `yaml:"dual_approval"`
	TimeRestrictions    *TimeRestrictions `yaml:"time_restrictions"`
}

// TimeRestrictions limit automated execution to a window.
type TimeRestrictions struct {
	StartHour int      `yaml:"start_hour"`
	EndHour   int      `yaml:"end_hour"`
	Days      []string `yaml:"days"`
}

// EscalationRule names who is pulled in when a trigger fires.
type EscalationRule struct {
	Trigger    string   `yaml:"trigger"`
	EscalateTo string   `yaml:"escalate_to"`
	Urgency    string   `yaml:"urgency"`
	Notify     []string `yaml:"notify"`
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(stepID string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i]
		}
	}
	return nil
}

// validate checks the structural contract of a loaded definition.
func (d *Definition) validate() error {
	if d.Metadata.ID == "" {
		return fmt.Errorf("metadata.id is required")
	}
	if d.Metadata.Version <= 0 {
		return fmt.Errorf("sop %s: metadata.version must be positive", d.Metadata.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("sop %s: at least one step is required", d.Metadata.ID)
	}
	seen := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return fmt.Errorf("sop %s: step id is required", d.Metadata.ID)
		}
		if seen[step.ID] {
			return fmt.Errorf("sop %s: duplicate step id %s", d.Metadata.ID, step.ID)
		}
		seen[step.ID] = true
		switch step.AutomationLevel {
		case AutomationFull, AutomationAssisted, AutomationManual:
		default:
			return fmt.Errorf("sop %s step %s: invalid automation_level %q",
				d.Metadata.ID, step.ID, step.AutomationLevel)
		}
	}
	if d.Policy.ConfidenceThreshold < 0 || d.Policy.ConfidenceThreshold > 1 {
		return fmt.Errorf("sop %s: automation_policy.confidence_threshold must be within [0,1]",
			d.Metadata.ID)
	}
	return nil
}
