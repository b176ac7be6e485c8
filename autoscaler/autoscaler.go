package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/itsneelabh/gomind-cluster/state"
)

// Provisioner adds or removes instances outside the control plane.
type Provisioner interface {
	ScaleUp(ctx context.Context, count int) error
	ScaleDown(ctx context.Context, count int) error
}

// AutoScaler is safe for concurrent use.
type AutoScaler struct {
	cfg         core.AutoscalerConfig
	strategy    Strategy
	custom      DecideFunc
	provisioner Provisioner
	sampler     HostSampler
	source      func() state.Snapshot
	logger      core.Logger
	now         func() time.Time

	mu            sync.RWMutex
	window        []sample
	latest        PerformanceMetrics
	history       []ScalingHistory
	lastScaleUp   time.Time
	lastScaleDown time.Time

	lifecycle sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	running   bool
}

// Option configures an AutoScaler.
type Option func(*AutoScaler)

// WithLogger sets the logger. The autoscaler logs under the "cluster/autoscaler" component.
func WithLogger(logger core.Logger) Option {
	return func(a *AutoScaler) {
		a.logger = core.ComponentLogger(logger, "cluster/autoscaler")
	}
}

// WithProvisioner sets the hook invoked for executed actions. Without one,
// executed actions are only recorded.
func WithProvisioner(p Provisioner) Option {
	return func(a *AutoScaler) {
		a.provisioner = p
	}
}

// WithHostSampler sets the sampler blended into snapshot-derived metrics
// when UseHostMetrics is enabled.
func WithHostSampler(s HostSampler) Option {
	return func(a *AutoScaler) {
		a.sampler = s
	}
}

// WithSnapshotSource sets where the background loop reads cluster state from.
func WithSnapshotSource(fn func() state.Snapshot) Option {
	return func(a *AutoScaler) {
		a.source = fn
	}
}

// WithDecideFunc sets the decision function of the Custom strategy.
func WithDecideFunc(fn DecideFunc) Option {
	return func(a *AutoScaler) {
		a.custom = fn
	}
}

// WithClock overrides the time source used for the window and cooldowns.
func WithClock(now func() time.Time) Option {
	return func(a *AutoScaler) {
		a.now = now
	}
}

// New creates an autoscaler for the strategy named in cfg.
func New(cfg core.AutoscalerConfig, opts ...Option) (*AutoScaler, error) {
	strategy, err := ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 10
	}
	if cfg.MinInstances < 0 {
		cfg.MinInstances = 0
	}
	if cfg.MinInstances > cfg.MaxInstances {
		return nil, &core.ClusterError{
			Op:      "autoscaler.New",
			Kind:    core.KindConfig,
			Message: fmt.Sprintf("invalid instance bounds [%d, %d]", cfg.MinInstances, cfg.MaxInstances),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	if cfg.ScaleUpThreshold == 0 && cfg.ScaleDownThreshold == 0 {
		cfg.ScaleUpThreshold, cfg.ScaleDownThreshold = 0.8, 0.3
	}
	if cfg.ScaleUpStep < 1 {
		cfg.ScaleUpStep = 1
	}
	if cfg.ScaleDownStep < 1 {
		cfg.ScaleDownStep = 1
	}
	if cfg.EvaluationWindow <= 0 {
		cfg.EvaluationWindow = 300 * time.Second
	}
	if cfg.EvaluationInterval <= 0 {
		cfg.EvaluationInterval = 60 * time.Second
	}
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = 100
	}

	a := &AutoScaler{
		cfg:      cfg,
		strategy: strategy,
		logger:   &core.NoOpLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if cfg.UseHostMetrics && a.sampler == nil {
		a.sampler = SystemSampler{}
	}
	return a, nil
}

// Strategy returns the configured strategy.
func (a *AutoScaler) Strategy() Strategy {
	return a.strategy
}

// Enabled reports whether decisions may be executed.
func (a *AutoScaler) Enabled() bool {
	return a.cfg.Enabled
}

// UpdateMetrics adds an observation to the window.
func (a *AutoScaler) UpdateMetrics(m PerformanceMetrics) {
	now := a.now()
	if m.CollectedAt.IsZero() {
		m.CollectedAt = now
	}
	m = m.clone()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.latest = m
	a.window = append(a.window, sample{at: now, metrics: m})
	a.pruneLocked(now)
}

// UpdateMetricsFromClusterState folds a snapshot into the window using
// LoadFromSnapshot, blended with a host sample when host metrics are enabled.
func (a *AutoScaler) UpdateMetricsFromClusterState(ctx context.Context, snapshot state.Snapshot) {
	m := LoadFromSnapshot(snapshot)
	if a.cfg.UseHostMetrics && a.sampler != nil {
		h, err := a.sampler.Sample(ctx)
		if err != nil {
			a.logger.Warn("Failed to sample host metrics", map[string]interface{}{
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
			})
		} else {
			m = blendHost(m, h)
		}
	}
	a.UpdateMetrics(m)
}

// pruneLocked drops samples older than the evaluation window. The newest
// sample is always kept.
func (a *AutoScaler) pruneLocked(now time.Time) {
	cutoff := now.Add(-a.cfg.EvaluationWindow)
	i := 0
	for i < len(a.window)-1 && a.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		a.window = append(a.window[:0:0], a.window[i:]...)
	}
}

// GetCurrentMetrics returns the most recent observation.
func (a *AutoScaler) GetCurrentMetrics() PerformanceMetrics {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest.clone()
}

// WindowMetrics returns the average over the evaluation window, the value
// decisions are based on.
func (a *AutoScaler) WindowMetrics() PerformanceMetrics {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked(now)
	return average(a.window)
}

func (a *AutoScaler) decide(m PerformanceMetrics) (Action, string) {
	switch a.strategy {
	case MemoryBased:
		return decideMemory(m, a.cfg)
	case ResponseTimeBased:
		return decideResponseTime(m, a.cfg)
	case QueueBased:
		return decideQueue(m, a.cfg)
	case Hybrid:
		return decideHybrid(m, a.cfg)
	case Custom:
		if a.custom == nil {
			return NoAction, ""
		}
		return a.custom(m, a.cfg)
	default:
		return decideCPU(m, a.cfg)
	}
}

// MakeScalingDecision evaluates the window against the thresholds for the
// given instance count. It never executes anything.
func (a *AutoScaler) MakeScalingDecision(currentInstances int) ScalingDecision {
	if currentInstances < 0 {
		currentInstances = 0
	}
	m := a.WindowMetrics()
	now := a.now()

	action, reason := a.decide(m)
	target := currentInstances

	switch action {
	case ScaleUp:
		if currentInstances >= a.cfg.MaxInstances {
			action, reason = NoAction, fmt.Sprintf("already at maximum of %d instances", a.cfg.MaxInstances)
			break
		}
		target = min(currentInstances+a.cfg.ScaleUpStep, a.cfg.MaxInstances)
		target = max(target, a.cfg.MinInstances)
	case ScaleDown:
		if currentInstances <= a.cfg.MinInstances {
			action, reason = NoAction, fmt.Sprintf("already at minimum of %d instances", a.cfg.MinInstances)
			break
		}
		target = max(currentInstances-a.cfg.ScaleDownStep, a.cfg.MinInstances)
		target = min(target, a.cfg.MaxInstances)
	}

	if action != NoAction {
		if remaining := a.cooldownRemaining(action, now); remaining > 0 {
			reason = fmt.Sprintf("%s cooldown active for another %s", action, remaining.Round(time.Second))
			action = NoAction
		}
	}
	if action == NoAction {
		target = currentInstances
	}

	return ScalingDecision{
		Timestamp:        now,
		CurrentInstances: currentInstances,
		Action:           action,
		TargetInstances:  target,
		Reason:           reason,
		Confidence:       confidence(m, action),
		Metrics:          m.asMap(),
	}
}

func (a *AutoScaler) cooldownRemaining(action Action, now time.Time) time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cooldownRemainingLocked(action, now)
}

// cooldownSlot returns the last-executed timestamp and cooldown for action,
// or nil for NoAction. Caller holds a.mu.
func (a *AutoScaler) cooldownSlot(action Action) (*time.Time, time.Duration) {
	switch action {
	case ScaleUp:
		return &a.lastScaleUp, a.cfg.ScaleUpCooldown
	case ScaleDown:
		return &a.lastScaleDown, a.cfg.ScaleDownCooldown
	}
	return nil, 0
}

func (a *AutoScaler) cooldownRemainingLocked(action Action, now time.Time) time.Duration {
	last, cooldown := a.cooldownSlot(action)
	if last == nil || last.IsZero() {
		return 0
	}
	return cooldown - now.Sub(*last)
}

// ExecuteScalingAction hands a decision to the provisioner and records it.
// It reports whether an action was carried out; NoAction, an active
// cooldown and a confidence below the configured minimum all skip execution.
//
// The cooldown of the decision's direction starts before the provisioner is
// called, so concurrent callers cannot both execute inside one cooldown
// window. A failed provisioner call releases it again.
func (a *AutoScaler) ExecuteScalingAction(ctx context.Context, decision ScalingDecision) (bool, error) {
	if decision.Action == NoAction {
		return false, nil
	}
	if decision.Confidence < a.cfg.MinConfidence {
		a.logger.Debug("Scaling action skipped for low confidence", map[string]interface{}{
			"action":         string(decision.Action),
			"confidence":     decision.Confidence,
			"min_confidence": a.cfg.MinConfidence,
		})
		return false, nil
	}

	now := a.now()
	a.mu.Lock()
	remaining := a.cooldownRemainingLocked(decision.Action, now)
	var previous time.Time
	if remaining <= 0 {
		slot, _ := a.cooldownSlot(decision.Action)
		previous = *slot
		*slot = now
	}
	a.mu.Unlock()
	if remaining > 0 {
		a.logger.Debug("Scaling action skipped during cooldown", map[string]interface{}{
			"action":    string(decision.Action),
			"remaining": remaining.String(),
		})
		return false, nil
	}

	var err error
	switch decision.Action {
	case ScaleUp:
		if a.provisioner != nil {
			err = a.provisioner.ScaleUp(ctx, decision.TargetInstances-decision.CurrentInstances)
		}
	case ScaleDown:
		if a.provisioner != nil {
			err = a.provisioner.ScaleDown(ctx, decision.CurrentInstances-decision.TargetInstances)
		}
	}

	entry := ScalingHistory{
		Timestamp:       now,
		Action:          decision.Action,
		Reason:          decision.Reason,
		BeforeInstances: decision.CurrentInstances,
		AfterInstances:  decision.TargetInstances,
		Success:         err == nil,
	}
	if err != nil {
		entry.Error = err.Error()
	}

	a.mu.Lock()
	a.history = append(a.history, entry)
	if over := len(a.history) - a.cfg.MaxHistoryEntries; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
	if err != nil {
		if slot, _ := a.cooldownSlot(decision.Action); slot.Equal(now) {
			*slot = previous
		}
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Error("Scaling action failed", map[string]interface{}{
			"action":     string(decision.Action),
			"before":     decision.CurrentInstances,
			"target":     decision.TargetInstances,
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
		return false, fmt.Errorf("%s to %d instances: %w", decision.Action, decision.TargetInstances, err)
	}

	a.logger.Info("Scaling action executed", map[string]interface{}{
		"action":      string(decision.Action),
		"before":      decision.CurrentInstances,
		"target":      decision.TargetInstances,
		"reason":      decision.Reason,
		"confidence":  decision.Confidence,
		"provisioned": a.provisioner != nil,
	})
	return true, nil
}

// Evaluate runs one update, decide and execute round for a snapshot. The
// agent count is taken as the current instance count. Execution only
// happens when the autoscaler is enabled.
func (a *AutoScaler) Evaluate(ctx context.Context, snapshot state.Snapshot) (ScalingDecision, error) {
	a.UpdateMetricsFromClusterState(ctx, snapshot)
	decision := a.MakeScalingDecision(snapshot.AgentCount)

	if !a.cfg.Enabled || decision.Action == NoAction {
		return decision, nil
	}
	_, err := a.ExecuteScalingAction(ctx, decision)
	return decision, err
}

// GetScalingHistory returns executed actions, oldest first.
func (a *AutoScaler) GetScalingHistory() []ScalingHistory {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]ScalingHistory, len(a.history))
	copy(out, a.history)
	return out
}

// Start launches the evaluation loop. Without a snapshot source the loop
// idles until stopped.
func (a *AutoScaler) Start(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if a.running {
		return core.ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})
	a.running = true
	go a.loop(loopCtx, a.done)

	a.logger.Info("Autoscaler started", map[string]interface{}{
		"strategy":      string(a.strategy),
		"enabled":       a.cfg.Enabled,
		"interval":      a.cfg.EvaluationInterval.String(),
		"min_instances": a.cfg.MinInstances,
		"max_instances": a.cfg.MaxInstances,
	})
	return nil
}

// Stop halts the evaluation loop and waits for it to exit.
func (a *AutoScaler) Stop() error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	if !a.running {
		return nil
	}
	a.cancel()
	<-a.done
	a.running = false
	a.logger.Info("Autoscaler stopped", nil)
	return nil
}

func (a *AutoScaler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.source == nil {
				continue
			}
			decision, err := a.Evaluate(ctx, a.source())
			if err != nil {
				a.logger.Warn("Scheduled scaling evaluation failed", map[string]interface{}{
					"action": string(decision.Action),
					"error":  err,
				})
			}
		}
	}
}
