package planner

import (
	"go.opentelemetry.io/otel/metric"
)

type agentMetrics struct {
	runs           metric.Int64Counter
	runsCompleted  metric.Int64Counter
	runsFailed     metric.Int64Counter
	runsSuspended  metric.Int64Counter
	iterations     metric.Int64Counter
	toolCalls      metric.Int64Counter
	toolFailures   metric.Int64Counter
	fallbacks      metric.Int64Counter
	recipesCreated metric.Int64Counter
	recipeFailures metric.Int64Counter

	runDuration    metric.Float64Histogram
	policyDuration metric.Float64Histogram
	toolDuration   metric.Float64Histogram
}

// newAgentMetrics registers every instrument once. Instrument errors leave a
// no-op instrument in place, as the SDK does.
func newAgentMetrics(m metric.Meter) agentMetrics {
	var am agentMetrics
	am.runs, _ = m.Int64Counter("planner_runs_total",
		metric.WithDescription("Total number of planner invocations started"))
	am.runsCompleted, _ = m.Int64Counter("planner_runs_completed_total",
		metric.WithDescription("Total number of planner invocations that completed the job"))
	am.runsFailed, _ = m.Int64Counter("planner_runs_failed_total",
		metric.WithDescription("Total number of planner invocations that failed the job"))
	am.runsSuspended, _ = m.Int64Counter("planner_runs_suspended_total",
		metric.WithDescription("Total number of planner invocations that handed off to a fresh invocation"))
	am.iterations, _ = m.Int64Counter("planner_iterations_total",
		metric.WithDescription("Total number of policy iterations"))
	am.toolCalls, _ = m.Int64Counter("tool_calls_total",
		metric.WithDescription("Total number of tool calls executed"))
	am.toolFailures, _ = m.Int64Counter("tool_calls_failed_total",
		metric.WithDescription("Total number of tool calls that failed"))
	am.fallbacks, _ = m.Int64Counter("planner_fallbacks_total",
		metric.WithDescription("Total number of runs finished by deterministic fallback"))
	am.recipesCreated, _ = m.Int64Counter("recipes_generated_total",
		metric.WithDescription("Total number of recipes generated for unmatched items"))
	am.recipeFailures, _ = m.Int64Counter("recipes_generation_failed_total",
		metric.WithDescription("Total number of items whose recipe generation failed"))

	am.runDuration, _ = m.Float64Histogram("planner_run_duration_seconds",
		metric.WithDescription("Duration of one planner invocation in seconds"))
	am.policyDuration, _ = m.Float64Histogram("policy_response_time_seconds",
		metric.WithDescription("Time taken by the step-selection policy in seconds"))
	am.toolDuration, _ = m.Float64Histogram("tool_execution_time_seconds",
		metric.WithDescription("Time taken to execute individual tools in seconds"))
	return am
}
