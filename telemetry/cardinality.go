package telemetry

import "sync"

// OverflowLabelValue replaces label values once a label's limit is reached.
const OverflowLabelValue = "other"

// DefaultLabelLimits bounds the labels whose values come from agent descriptors.
var DefaultLabelLimits = map[string]int{
	"capability": 100,
}

// CardinalityLimiter caps the number of distinct values per metric label.
// Values seen before the limit was reached keep passing through.
type CardinalityLimiter struct {
	limits map[string]int

	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

// NewCardinalityLimiter creates a limiter. Labels without a limit are unbounded.
func NewCardinalityLimiter(limits map[string]int) *CardinalityLimiter {
	copied := make(map[string]int, len(limits))
	for k, v := range limits {
		copied[k] = v
	}
	return &CardinalityLimiter{
		limits: copied,
		seen:   make(map[string]map[string]struct{}),
	}
}

// CheckAndLimit returns value, or OverflowLabelValue when metric's label
// already holds its limit of distinct values.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	limit, ok := c.limits[label]
	if !ok {
		return value
	}

	key := metric + "." + label

	c.mu.Lock()
	defer c.mu.Unlock()

	values, ok := c.seen[key]
	if !ok {
		values = make(map[string]struct{})
		c.seen[key] = values
	}
	if _, known := values[value]; known {
		return value
	}
	if len(values) >= limit {
		return OverflowLabelValue
	}
	values[value] = struct{}{}
	return value
}

// Apply returns a copy of labels with every value checked against the limits.
func (c *CardinalityLimiter) Apply(metric string, labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return labels
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = c.CheckAndLimit(metric, k, v)
	}
	return out
}

// CurrentCardinality returns the number of tracked label values across all metrics.
func (c *CardinalityLimiter) CurrentCardinality() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, values := range c.seen {
		total += len(values)
	}
	return total
}
