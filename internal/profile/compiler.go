// Package profile compiles a financial profile into the system
// instruction sent with every exchange.
package profile

import (
	"fmt"
	"strings"

	"finplan/internal/domain"
)

// FieldOptions describes one selectable profile field for the frontend.
type FieldOptions struct {
	Key     string   `json:"key"`
	Label   string   `json:"label"`
	Options []string `json:"options"`
}

// Options returns the closed enumerations for all seven profile fields,
// in display order.
func Options() []FieldOptions {
	return []FieldOptions{
		{Key: "age_group", Label: "Age Group", Options: domain.AgeGroups},
		{Key: "income", Label: "Monthly Income Range (Approx.)", Options: domain.IncomeBands},
		{Key: "debt_rate", Label: "Avg. Debt Interest Rate (Approx.)", Options: domain.DebtRates},
		{Key: "risk_level", Label: "Risk Tolerance", Options: domain.RiskLevels},
		{Key: "goal", Label: "Primary Financial Goal", Options: domain.Goals},
		{Key: "horizon", Label: "Investment Time Horizon", Options: domain.Horizons},
		{Key: "knowledge", Label: "Financial Knowledge Level", Options: domain.KnowledgeLevels},
	}
}

// Compile renders the system instruction for a profile. It is a pure
// function: identical profiles produce byte-identical output. The
// profile is assumed validated; Compile never fails.
func Compile(p domain.Profile) string {
	var b strings.Builder

	b.WriteString("You are a highly qualified and ethical Financial Planner. Your specialization is creating customized financial plans.\n")
	b.WriteString("Your goal is to provide safe, realistic, and personalized advice based on the user's financial profile:\n")
	fmt.Fprintf(&b, "- Age Group: %s\n", p.AgeGroup)
	fmt.Fprintf(&b, "- Monthly Income: %s (Rupees)\n", p.Income)
	fmt.Fprintf(&b, "- Average Debt Interest Rate: %s\n", p.DebtRate)
	fmt.Fprintf(&b, "- Risk Tolerance: %s\n", p.RiskLevel)
	fmt.Fprintf(&b, "- Primary Financial Goal: %s\n", p.Goal)
	fmt.Fprintf(&b, "- Investment Time Horizon: %s\n", p.Horizon)
	fmt.Fprintf(&b, "- Financial Knowledge Level: %s\n", p.Knowledge)
	b.WriteString("\nAlways tailor your response to these settings.\n")

	for _, hint := range hints(p) {
		b.WriteString(hint)
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "Use a tone appropriate for a user with a %s level of knowledge. ", p.Knowledge)
	fmt.Fprintf(&b, "Provide clear steps and actionable recommendations focused on achieving the user's %s within a %s risk framework. ", p.Goal, p.RiskLevel)
	b.WriteString("If the user asks for investment advice, prioritize safety and diversification. DO NOT provide specific buy/sell recommendations, only general asset allocation advice.\n")
	b.WriteString("\nCRITICAL INSTRUCTION: When providing investment or financial product recommendations, ALWAYS format them as a numbered or bulleted list, explaining how each option aligns with the user's profile.\n")

	return b.String()
}

// hints returns the conditional strategy lines for a profile.
func hints(p domain.Profile) []string {
	var out []string
	if p.DebtRate == domain.DebtRates[3] {
		out = append(out, "The user carries high-interest debt: prioritize debt payoff methods (like Avalanche or Snowball) over new investments.")
	}
	if p.AgeGroup == domain.AgeGroups[0] {
		out = append(out, "The user is a young professional: suggest higher risk/equity exposure where it fits their stated risk tolerance.")
	}
	if p.AgeGroup == domain.AgeGroups[3] {
		out = append(out, "The user is near or in retirement: suggest conservative, income-generating instruments.")
	}
	return out
}
