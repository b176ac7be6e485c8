// Package coordinator composes the cluster components into the agent
// lifecycle workflows used by the API layer.
//
// RegisterAgent runs discovery, state, load balancer and health monitor
// updates in that order and stops at the first failure. Completed steps are
// not rolled back; the error is returned as-is. Callers serialize mutating
// calls per agent id.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/itsneelabh/gomind-cluster/autoscaler"
	"github.com/itsneelabh/gomind-cluster/core"
	"github.com/itsneelabh/gomind-cluster/discovery"
	"github.com/itsneelabh/gomind-cluster/health"
	"github.com/itsneelabh/gomind-cluster/loadbalancer"
	"github.com/itsneelabh/gomind-cluster/node"
	"github.com/itsneelabh/gomind-cluster/state"
)

// Components are the parts a Coordinator drives. All are required.
type Components struct {
	Node         *node.Manager
	Registry     *discovery.Registry
	LoadBalancer *loadbalancer.LoadBalancer
	Health       *health.Monitor
	State        *state.Aggregator
	Autoscaler   *autoscaler.AutoScaler
}

// PerformanceReport combines autoscaler metrics with load balancer statistics.
type PerformanceReport struct {
	Metrics       autoscaler.PerformanceMetrics `json:"metrics"`
	WindowMetrics autoscaler.PerformanceMetrics `json:"window_metrics"`
	Targets       []loadbalancer.Target         `json:"targets"`
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	node       *node.Manager
	registry   *discovery.Registry
	balancer   *loadbalancer.LoadBalancer
	monitor    *health.Monitor
	aggregator *state.Aggregator
	scaler     *autoscaler.AutoScaler

	ids       *idTable
	logger    core.Logger
	telemetry core.Telemetry
	closers   []func() error

	lifecycle sync.Mutex
	running   bool
}

// New wires components into a coordinator and subscribes to health status
// changes so they reach the registry and the load balancer.
func New(c Components, opts ...Option) (*Coordinator, error) {
	missing := ""
	switch {
	case c.Node == nil:
		missing = "node manager"
	case c.Registry == nil:
		missing = "discovery registry"
	case c.LoadBalancer == nil:
		missing = "load balancer"
	case c.Health == nil:
		missing = "health monitor"
	case c.State == nil:
		missing = "state aggregator"
	case c.Autoscaler == nil:
		missing = "autoscaler"
	}
	if missing != "" {
		return nil, &core.ClusterError{
			Op:      "coordinator.New",
			Kind:    core.KindConfig,
			Message: missing + " is required",
			Err:     core.ErrMissingConfiguration,
		}
	}

	o := buildOptions(opts)
	co := &Coordinator{
		node:       c.Node,
		registry:   c.Registry,
		balancer:   c.LoadBalancer,
		monitor:    c.Health,
		aggregator: c.State,
		scaler:     c.Autoscaler,
		ids:        newIDTable(),
		logger:     core.ComponentLogger(o.logger, "cluster/coordinator"),
		telemetry:  o.telemetry,
	}
	co.monitor.OnStatusChange(co.onHealthChange)
	return co, nil
}

func (c *Coordinator) onHealthChange(serviceID string, previous, current core.HealthStatus) {
	healthy := current == core.HealthHealthy

	// Unknown never reaches the callback as a destination, so any flip is definitive.
	if err := c.registry.UpdateHealth(context.Background(), serviceID, healthy); err != nil && !core.IsNotFound(err) {
		c.logger.Warn("Failed to push health to registry", map[string]interface{}{
			"service_id": serviceID,
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
	}
	if err := c.balancer.UpdateTargetHealth(serviceID, healthy); err != nil && !core.IsNotFound(err) {
		c.logger.Warn("Failed to push health to load balancer", map[string]interface{}{
			"service_id": serviceID,
			"error":      err,
		})
	}

	c.logger.Info("Agent health changed", map[string]interface{}{
		"service_id": serviceID,
		"previous":   string(previous),
		"current":    string(current),
	})
}

// RegisterAgent registers descriptor with every component and returns its
// service id.
func (c *Coordinator) RegisterAgent(ctx context.Context, descriptor core.AgentDescriptor) (serviceID string, err error) {
	ctx, span := c.telemetry.StartSpan(ctx, "cluster.RegisterAgent")
	defer span.End()
	span.SetAttribute("agent.id", descriptor.ID)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
	}()

	serviceID, err = c.registry.Register(ctx, descriptor)
	if err != nil {
		return "", err
	}
	endpoint := descriptor.PrimaryEndpoint()

	if err = c.aggregator.UpdateAgentState(serviceID, descriptor); err != nil {
		c.logPartial("state", serviceID, err)
		return "", err
	}
	if err = c.balancer.AddTarget(serviceID, endpoint); err != nil {
		c.logPartial("load balancer", serviceID, err)
		return "", err
	}
	if err = c.monitor.StartMonitoring(serviceID, endpoint); err != nil {
		c.logPartial("health monitor", serviceID, err)
		return "", err
	}
	c.reconcileHealth(ctx, serviceID)

	c.ids.bind(descriptor.ID, serviceID)
	span.SetAttribute("service.id", serviceID)
	c.telemetry.RecordMetric("cluster.agents.registered", float64(c.ids.len()), nil)

	c.logger.Info("Agent registered", map[string]interface{}{
		"agent_id":     descriptor.ID,
		"service_id":   serviceID,
		"endpoint":     endpoint,
		"capabilities": descriptor.Capabilities,
	})
	return serviceID, nil
}

// reconcileHealth re-applies a known Unhealthy status after re-registration.
// The registry marks every registration healthy, and a monitored target keeps
// its status across StartMonitoring, so no flip would correct it.
func (c *Coordinator) reconcileHealth(ctx context.Context, serviceID string) {
	if c.monitor.CheckHealth(serviceID) != core.HealthUnhealthy {
		return
	}
	if err := c.registry.UpdateHealth(ctx, serviceID, false); err != nil {
		c.logger.Warn("Failed to push health to registry", map[string]interface{}{
			"service_id": serviceID,
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
		})
	}
	if err := c.balancer.UpdateTargetHealth(serviceID, false); err != nil {
		c.logger.Warn("Failed to push health to load balancer", map[string]interface{}{
			"service_id": serviceID,
			"error":      err,
		})
	}
}

func (c *Coordinator) logPartial(step, serviceID string, err error) {
	c.logger.Error("Agent registration stopped part way", map[string]interface{}{
		"service_id":  serviceID,
		"failed_step": step,
		"error":       err,
		"error_type":  fmt.Sprintf("%T", err),
	})
}

// UnregisterAgent removes an agent from every component in reverse
// registration order. agentID may be the agent id or its service id; unknown
// ids resolve to the derived service id so entries left by an earlier
// process are still removed.
func (c *Coordinator) UnregisterAgent(ctx context.Context, agentID string) (err error) {
	ctx, span := c.telemetry.StartSpan(ctx, "cluster.UnregisterAgent")
	defer span.End()
	span.SetAttribute("agent.id", agentID)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
	}()

	serviceID := c.resolve(agentID)

	if err = c.monitor.StopMonitoring(serviceID); err != nil {
		return err
	}
	if err = c.balancer.RemoveTarget(serviceID); err != nil {
		return err
	}
	if err = c.aggregator.RemoveAgentState(serviceID); err != nil {
		return err
	}
	if err = c.registry.Deregister(ctx, serviceID); err != nil {
		return err
	}

	c.ids.unbind(serviceID)
	c.telemetry.RecordMetric("cluster.agents.registered", float64(c.ids.len()), nil)
	c.logger.Info("Agent unregistered", map[string]interface{}{
		"agent_id":   agentID,
		"service_id": serviceID,
	})
	return nil
}

func (c *Coordinator) resolve(id string) string {
	if serviceID, ok := c.ids.service(id); ok {
		return serviceID
	}
	return core.ServiceID(id)
}

// Heartbeat keeps an agent's registration and state record alive.
func (c *Coordinator) Heartbeat(ctx context.Context, agentID string) error {
	serviceID := c.resolve(agentID)
	if err := c.registry.Heartbeat(ctx, serviceID); err != nil {
		return err
	}
	if err := c.aggregator.RecordHeartbeat(serviceID); err != nil && !core.IsNotFound(err) {
		return err
	}
	return nil
}

// DiscoverAgents returns the descriptors of healthy, unexpired agents
// declaring capability. An empty capability returns every such agent.
func (c *Coordinator) DiscoverAgents(ctx context.Context, capability string) ([]core.AgentDescriptor, error) {
	regs, err := c.registry.Discover(ctx, capability)
	if err != nil {
		return nil, err
	}
	out := make([]core.AgentDescriptor, 0, len(regs))
	for _, reg := range regs {
		out = append(out, reg.Agent.Clone())
	}
	return out, nil
}

// SelectTarget picks one agent declaring capability through the load
// balancer. It returns nil without error when no candidate is discoverable
// or none is selectable.
func (c *Coordinator) SelectTarget(ctx context.Context, capability string) (*core.AgentDescriptor, error) {
	ctx, span := c.telemetry.StartSpan(ctx, "cluster.SelectTarget")
	defer span.End()
	span.SetAttribute("capability", capability)

	regs, err := c.registry.Discover(ctx, capability)
	if err != nil {
		span.RecordError(err)
		c.recordSelect(capability, "error")
		return nil, err
	}
	if len(regs) == 0 {
		c.recordSelect(capability, "no_candidates")
		return nil, nil
	}

	byID := make(map[string]*discovery.ServiceRegistration, len(regs))
	candidates := make([]string, 0, len(regs))
	for _, reg := range regs {
		byID[reg.ServiceID] = reg
		candidates = append(candidates, reg.ServiceID)
	}

	winner, err := c.balancer.SelectTarget(candidates)
	if err != nil {
		if errors.Is(err, core.ErrNoAvailableEndpoints) {
			c.recordSelect(capability, "no_healthy_target")
			return nil, nil
		}
		span.RecordError(err)
		c.recordSelect(capability, "error")
		return nil, err
	}

	selected := byID[winner].Agent.Clone()
	span.SetAttribute("service.id", winner)
	c.recordSelect(capability, "selected")
	return &selected, nil
}

func (c *Coordinator) recordSelect(capability, result string) {
	c.telemetry.RecordMetric("cluster.select.total", 1, map[string]string{
		"capability": capability,
		"result":     result,
	})
}

// GetClusterState returns the current snapshot with the node count refreshed.
func (c *Coordinator) GetClusterState() state.Snapshot {
	c.aggregator.SetNodeCount(c.node.NodeCount())
	return c.aggregator.GetState()
}

// ListNodes returns the local node followed by known peers.
func (c *Coordinator) ListNodes() []core.NodeInfo {
	return c.node.ListNodes()
}

// CheckAgentHealth returns the cached health status of an agent. Unknown
// agents report HealthUnknown.
func (c *Coordinator) CheckAgentHealth(agentID string) core.HealthStatus {
	return c.monitor.CheckHealth(c.resolve(agentID))
}

// GetScalingHistory returns executed scaling actions, oldest first.
func (c *Coordinator) GetScalingHistory() []autoscaler.ScalingHistory {
	return c.scaler.GetScalingHistory()
}

// GetPerformanceMetrics reports the autoscaler metrics and per-target statistics.
func (c *Coordinator) GetPerformanceMetrics() PerformanceReport {
	return PerformanceReport{
		Metrics:       c.scaler.GetCurrentMetrics(),
		WindowMetrics: c.scaler.WindowMetrics(),
		Targets:       c.balancer.ListTargets(),
	}
}

// TriggerScalingDecision folds the current snapshot into the autoscaler and
// decides using the agent count as the instance count. The decision is only
// executed when the autoscaler is enabled.
func (c *Coordinator) TriggerScalingDecision(ctx context.Context) (autoscaler.ScalingDecision, error) {
	decision, err := c.scaler.Evaluate(ctx, c.GetClusterState())
	c.telemetry.RecordMetric("cluster.scaling.decisions.total", 1, map[string]string{
		"action": string(decision.Action),
	})
	if err != nil {
		return decision, err
	}

	c.logger.Info("Scaling decision made", map[string]interface{}{
		"action":     string(decision.Action),
		"current":    decision.CurrentInstances,
		"target":     decision.TargetInstances,
		"reason":     decision.Reason,
		"confidence": decision.Confidence,
		"executed":   c.scaler.Enabled() && decision.Action != autoscaler.NoAction,
	})
	return decision, nil
}

type lifecycleStep struct {
	name  string
	start func(context.Context) error
	stop  func(context.Context) error
}

func (c *Coordinator) steps() []lifecycleStep {
	return []lifecycleStep{
		{"node", c.node.Start, func(context.Context) error { return c.node.Stop() }},
		{"discovery", c.registry.Start, func(context.Context) error { return c.registry.Stop() }},
		{"health", c.monitor.Start, func(context.Context) error { return c.monitor.Stop() }},
		{"state", c.aggregator.Start, c.aggregator.Stop},
		{"autoscaler", c.scaler.Start, func(context.Context) error { return c.scaler.Stop() }},
	}
}

// Start starts the components in dependency order. If one fails, those
// already started are stopped again.
func (c *Coordinator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.running {
		return core.ErrAlreadyStarted
	}

	steps := c.steps()
	for i, step := range steps {
		if err := step.start(ctx); err != nil {
			c.logger.Error("Failed to start component", map[string]interface{}{
				"component":  step.name,
				"error":      err,
				"error_type": fmt.Sprintf("%T", err),
			})
			for j := i - 1; j >= 0; j-- {
				_ = steps[j].stop(ctx)
			}
			return fmt.Errorf("start %s: %w", step.name, err)
		}
	}
	c.running = true

	c.logger.Info("Cluster coordinator started", map[string]interface{}{
		"node_id":  c.node.ID(),
		"strategy": string(c.balancer.Strategy()),
	})
	return nil
}

// Stop stops the components in reverse dependency order. Every component is
// stopped even if an earlier one fails; the first error is returned.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if !c.running {
		return nil
	}

	var first error
	steps := c.steps()
	for i := len(steps) - 1; i >= 0; i-- {
		if err := steps[i].stop(ctx); err != nil {
			c.logger.Warn("Failed to stop component", map[string]interface{}{
				"component": steps[i].name,
				"error":     err,
			})
			if first == nil {
				first = fmt.Errorf("stop %s: %w", steps[i].name, err)
			}
		}
	}
	c.running = false
	c.logger.Info("Cluster coordinator stopped", nil)
	return first
}

// Close releases the backend connections opened by Build.
func (c *Coordinator) Close() error {
	var errs []error
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
