package domain

import "testing"

func TestDefaultProfileIsValid(t *testing.T) {
	if err := DefaultProfile().Validate(); err != nil {
		t.Errorf("Expected default profile to validate, got %v", err)
	}
}

func TestProfileValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Profile)
		wantErr bool
	}{
		{"valid", func(p *Profile) {}, false},
		{"last options", func(p *Profile) {
			p.AgeGroup = AgeGroups[len(AgeGroups)-1]
			p.Income = IncomeBands[len(IncomeBands)-1]
			p.Knowledge = KnowledgeLevels[len(KnowledgeLevels)-1]
		}, false},
		{"unknown age group", func(p *Profile) { p.AgeGroup = "0-17" }, true},
		{"unknown income", func(p *Profile) { p.Income = "a lot" }, true},
		{"unknown debt rate", func(p *Profile) { p.DebtRate = "100%" }, true},
		{"unknown risk level", func(p *Profile) { p.RiskLevel = "reckless" }, true},
		{"unknown goal", func(p *Profile) { p.Goal = "world domination" }, true},
		{"unknown horizon", func(p *Profile) { p.Horizon = "forever" }, true},
		{"unknown knowledge", func(p *Profile) { p.Knowledge = "guru" }, true},
		{"empty field", func(p *Profile) { p.Goal = "" }, true},
		{"case sensitive", func(p *Profile) { p.Knowledge = "novice" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProfile()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Expected valid profile, got %v", err)
			}
		})
	}
}
