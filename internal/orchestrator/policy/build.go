package policy

// Deps are the collaborators the policies call out to.
type Deps struct {
	// Auditor backs the quality gate. Nil disables the gate.
	Auditor Auditor
	// StepRunner backs validation. Nil uses a ShellStepRunner.
	StepRunner StepRunner
	// OnCost receives every cost update.
	OnCost func(CostUpdate)
	// OnTrip is called when the circuit breaker opens.
	OnTrip func(CircuitTrip)
	// Root is the audit root for attempts without a work dir.
	Root string
}

// Set is a built pipeline plus handles to the policies the runner consults directly.
type Set struct {
	Pipeline *Pipeline
	Cost     *CostPolicy
	Retry    *RetryPolicy
	Circuit  *CircuitBreaker
	Quality  *QualityGate
}

// Build validates cfg and assembles the default pipeline:
// cost, retry, circuit, rate limit, quality gate, validation.
func Build(cfg *Config, deps Deps) (*Set, error) {
	if cfg == nil {
		cfg = Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Set{
		Cost:    NewCostPolicy(cfg.Cost, deps.OnCost),
		Retry:   NewRetryPolicy(cfg.Retry),
		Circuit: NewCircuitBreaker(cfg.Circuit, deps.OnTrip),
	}
	policies := []Policy{s.Cost, s.Retry, s.Circuit}

	if cfg.RateLimit.Attempts > 0 {
		policies = append(policies, NewRateLimitPolicy(cfg.RateLimit))
	}
	if cfg.Quality.Mode != ModeNone && deps.Auditor != nil {
		s.Quality = NewQualityGate(cfg.Quality, deps.Auditor, deps.Root)
		policies = append(policies, s.Quality)
	}
	if len(cfg.Validation.Steps) > 0 || cfg.Validation.RunCriteria {
		runner := deps.StepRunner
		if runner == nil {
			runner = NewShellStepRunner(nil)
		}
		policies = append(policies, NewValidationPolicy(cfg.Validation, runner))
	}

	s.Pipeline = NewPipeline(policies...)
	return s, nil
}
