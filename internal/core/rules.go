package core

import "permitcore/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in policy set.
// These rules are a backstop behind the transition tables: a bug or a direct
// store write that lands a permit in an invalid state blocks at commit.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(LifecycleTransitionRule())
	engine.Register(PermitWindowRule(DefaultMaxPermitSpan))
	engine.Register(RenewalWindowRule(DefaultMaxRenewalSpan))
	return engine
}
