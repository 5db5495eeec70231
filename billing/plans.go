// Package billing defines subscription plans and computes usage summaries.
package billing

// Plan describes the limits attached to a subscription tier. A zero limit
// means unlimited.
type Plan struct {
	Name              string `json:"name"`
	MaxActiveSessions int    `json:"max_active_sessions"`
	RequestsPerMonth  int64  `json:"requests_per_month"`
	RetentionDays     int    `json:"retention_days"`
}

var plans = map[string]Plan{
	"free": {
		Name:              "free",
		MaxActiveSessions: 5,
		RequestsPerMonth:  10_000,
		RetentionDays:     7,
	},
	"starter": {
		Name:              "starter",
		MaxActiveSessions: 25,
		RequestsPerMonth:  250_000,
		RetentionDays:     30,
	},
	"team": {
		Name:              "team",
		MaxActiveSessions: 100,
		RequestsPerMonth:  2_000_000,
		RetentionDays:     90,
	},
	"enterprise": {
		Name:              "enterprise",
		MaxActiveSessions: 0,
		RequestsPerMonth:  0,
		RetentionDays:     365,
	},
}

// PlanByName returns the named plan, falling back to free for unknown names
// so a mistyped plan column never grants unlimited quota.
func PlanByName(name string) Plan {
	if p, ok := plans[name]; ok {
		return p
	}
	return plans["free"]
}

// Plans returns the catalog of available plans.
func Plans() []Plan {
	return []Plan{plans["free"], plans["starter"], plans["team"], plans["enterprise"]}
}
