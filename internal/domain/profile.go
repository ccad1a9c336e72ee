// Package domain contains core domain types for the finplan application.
package domain

import (
	"fmt"
	"slices"
)

// Profile is the seven-field financial profile a user selects in the
// sidebar. Every field is constrained to its closed option set below.
type Profile struct {
	AgeGroup  string `json:"age_group"`
	Income    string `json:"income"`
	DebtRate  string `json:"debt_rate"`
	RiskLevel string `json:"risk_level"`
	Goal      string `json:"goal"`
	Horizon   string `json:"horizon"`
	Knowledge string `json:"knowledge"`
}

// Option sets for each profile field. Order matters: the first entry is
// the default the frontend preselects.
var (
	AgeGroups = []string{
		"18-25 (Young Professional)",
		"26-35 (Family Planning)",
		"36-50 (Mid-Career)",
		"51+ (Pre/Post Retirement)",
	}
	IncomeBands = []string{
		"Less than ₹20,000",
		"₹20,000 - ₹50,000",
		"₹50,000 - ₹1,00,000",
		"More than ₹1,00,000",
	}
	DebtRates = []string{
		"None (No significant debt)",
		"Under 8% (e.g., Home/Auto Loan)",
		"8% - 15% (e.g., Personal Loan)",
		"Over 15% (e.g., Credit Card/High-Interest Debt)",
	}
	RiskLevels = []string{
		"Conservative (Safety first)",
		"Moderate (Balanced growth and safety)",
		"Aggressive (High growth, high risk)",
	}
	Goals = []string{
		"Debt Reduction",
		"Retirement Planning",
		"Large Purchase (e.g., house/car)",
		"General Wealth Building",
	}
	Horizons = []string{
		"Short-term (1-3 years)",
		"Medium-term (3-10 years)",
		"Long-term (10+ years)",
	}
	KnowledgeLevels = []string{
		"Novice",
		"Familiar",
		"Experienced Investor",
		"Professional",
	}
)

// DefaultProfile returns a profile with the first option of every set.
func DefaultProfile() Profile {
	return Profile{
		AgeGroup:  AgeGroups[0],
		Income:    IncomeBands[0],
		DebtRate:  DebtRates[0],
		RiskLevel: RiskLevels[0],
		Goal:      Goals[0],
		Horizon:   Horizons[0],
		Knowledge: KnowledgeLevels[0],
	}
}

// Validate checks every field against its option set.
func (p Profile) Validate() error {
	checks := []struct {
		name    string
		value   string
		allowed []string
	}{
		{"age_group", p.AgeGroup, AgeGroups},
		{"income", p.Income, IncomeBands},
		{"debt_rate", p.DebtRate, DebtRates},
		{"risk_level", p.RiskLevel, RiskLevels},
		{"goal", p.Goal, Goals},
		{"horizon", p.Horizon, Horizons},
		{"knowledge", p.Knowledge, KnowledgeLevels},
	}
	for _, c := range checks {
		if !slices.Contains(c.allowed, c.value) {
			return fmt.Errorf("invalid %s: %q", c.name, c.value)
		}
	}
	return nil
}
