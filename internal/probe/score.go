package probe

import "github.com/ignite/bulk-verifier/internal/domain"

// Weights tune the risk composite. They are heuristics, not a calibrated
// model; every field may be overridden from config.
type Weights struct {
	BaseValid   int     `yaml:"base_valid"`
	BaseRisky   int     `yaml:"base_risky"`
	BaseUnknown int     `yaml:"base_unknown"`
	BaseInvalid int     `yaml:"base_invalid"`
	Role        int     `yaml:"role"`
	CatchAll    int     `yaml:"catch_all"`
	Disposable  int     `yaml:"disposable"`
	Suspicious  int     `yaml:"suspicious"`
	Reputation  float64 `yaml:"reputation"`
}

// DefaultWeights returns the shipped score weights.
func DefaultWeights() Weights {
	return Weights{
		BaseValid:   5,
		BaseRisky:   30,
		BaseUnknown: 50,
		BaseInvalid: 90,
		Role:        15,
		CatchAll:    20,
		Disposable:  30,
		Suspicious:  10,
		Reputation:  20,
	}
}

// Score combines the status with the heuristic flags and the domain's
// reputation (1 = healthy, 0 = every recent probe soft-failed) into 0..100.
func (w Weights) Score(status domain.VerificationStatus, flags domain.ResultFlags, reputation float64) int {
	var s float64
	switch status {
	case domain.StatusValid:
		s = float64(w.BaseValid)
	case domain.StatusRisky:
		s = float64(w.BaseRisky)
	case domain.StatusInvalid:
		s = float64(w.BaseInvalid)
	default:
		s = float64(w.BaseUnknown)
	}
	if flags.Role {
		s += float64(w.Role)
	}
	if flags.CatchAll {
		s += float64(w.CatchAll)
	}
	if flags.Disposable {
		s += float64(w.Disposable)
	}
	if flags.Suspicious {
		s += float64(w.Suspicious)
	}
	if reputation < 0 {
		reputation = 0
	}
	if reputation < 1 {
		s += (1 - reputation) * w.Reputation
	}

	switch {
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return int(s + 0.5)
}
