package models

import "time"

// Capability is a plan-gated feature.
type Capability string

const (
	CapabilityChat           Capability = "chat"
	CapabilityDocumentUpload Capability = "document_upload"
)

// Plan tiers.
const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Plan holds the effective limits of a subscription tier.
type Plan struct {
	Tier         string       `json:"tier" yaml:"tier"`
	DailyLimit   int          `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit int          `json:"monthly_limit" yaml:"monthly_limit"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Allows reports whether the plan grants capability c.
func (p *Plan) Allows(c Capability) bool {
	for _, have := range p.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// DefaultPlans returns the built-in tiers.
func DefaultPlans() []Plan {
	return []Plan{
		{Tier: PlanFree, DailyLimit: 1000, MonthlyLimit: 10000, Capabilities: []Capability{CapabilityChat}},
		{Tier: PlanPro, DailyLimit: 10000, MonthlyLimit: 100000, Capabilities: []Capability{CapabilityChat, CapabilityDocumentUpload}},
	}
}

// QuotaAccount is one user's token usage. Anchors mark the start of the
// current daily and monthly periods (UTC).
type QuotaAccount struct {
	UserID        string    `json:"user_id" db:"user_id"`
	Plan          string    `json:"plan" db:"plan"`
	DailyUsed     int       `json:"daily_used" db:"daily_used"`
	MonthlyUsed   int       `json:"monthly_used" db:"monthly_used"`
	DailyLimit    int       `json:"daily_limit" db:"daily_limit"`
	MonthlyLimit  int       `json:"monthly_limit" db:"monthly_limit"`
	DailyAnchor   time.Time `json:"daily_anchor" db:"daily_anchor"`
	MonthlyAnchor time.Time `json:"monthly_anchor" db:"monthly_anchor"`
}
