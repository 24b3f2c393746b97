// Package executor implements the Pipeline Executor (spec.md §4.G): it
// runs a planner.Plan's levels in order, launching independent steps
// within a level concurrently, enforcing per-step timeouts, retrying
// with configurable backoff, and recording a per-step execution log.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeready-toolchain/agentcore/pkg/planner"
	"github.com/codeready-toolchain/agentcore/pkg/schema"
	"github.com/codeready-toolchain/agentcore/pkg/tools"
)

// cancelGraceDefault is the recommended grace period before an in-flight
// step is marked internal:cancelled after a cancel signal (spec.md
// §4.G, "implementation-defined, recommended 5s").
const cancelGraceDefault = 5 * time.Second

// StepState is the state machine of a single step (spec.md §4.G):
// pending → running → (succeeded | failed | cancelled).
type StepState string

const (
	StatePending   StepState = "pending"
	StateRunning   StepState = "running"
	StateSucceeded StepState = "succeeded"
	StateFailed    StepState = "failed"
	StateCancelled StepState = "cancelled"
)

// StepError mirrors spec.md §3's StepRecord.error shape.
type StepError struct {
	Kind    tools.ErrorKind `json:"kind"`
	Message string          `json:"message"`
}

// StepRecord is the per-step execution log entry (spec.md §3).
type StepRecord struct {
	StepName  string     `json:"step_name"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   time.Time  `json:"ended_at"`
	State     StepState  `json:"state"`
	Success   bool       `json:"success"`
	Attempts  int        `json:"attempts"`
	Error     *StepError `json:"error,omitempty"`
	Result    any        `json:"result,omitempty"`
}

// Result is the Pipeline Executor's public return value (spec.md §4.G).
type Result struct {
	StepResults   map[string]StepRecord `json:"step_results"`
	ExecutionLog  []StepRecord           `json:"execution_log"`
	FinalData     map[string]any         `json:"final_data"`
	TotalTimeSecs float64                `json:"total_time_s"`
}

// StepFailedError is the terminal error the executor returns when a
// step exhausts its retries (spec.md §7 `step_failed`).
type StepFailedError struct {
	StepName string
	Cause    error
}

func (e *StepFailedError) Error() string {
	return fmt.Sprintf("step_failed: step %q: %v", e.StepName, e.Cause)
}
func (e *StepFailedError) Unwrap() error { return e.Cause }

// CancelledError is the terminal error returned when execution was
// cancelled before all steps completed (spec.md §7 `cancelled`).
type CancelledError struct{}

func (e *CancelledError) Error() string { return "cancelled" }

// StepConfig resolves a step's effective timeout/retry settings against
// pipeline-level defaults, per spec.md §4.G.
type StepConfig struct {
	TimeoutSeconds int
	Retry          schema.RetryConfig
}

// Executor runs pipeline plans against a Tool Registry.
type Executor struct {
	registry    *tools.Registry
	cancelGrace time.Duration

	limiterMu sync.Mutex
	limiters  map[string]*rateLimiter
}

// New constructs an Executor. cancelGrace <= 0 selects the spec's
// recommended 5s default. The value is stored on the Executor; Execute
// does not wait on it (see finishCancelled).
func New(registry *tools.Registry, cancelGrace time.Duration) *Executor {
	if cancelGrace <= 0 {
		cancelGrace = cancelGraceDefault
	}
	return &Executor{registry: registry, cancelGrace: cancelGrace, limiters: make(map[string]*rateLimiter)}
}

// stepRuntime bundles a step's static definition with its built Tool
// instance, the ToolDef it was built from (for rate-limit/domain
// policy checks), and resolved effective configuration.
type stepRuntime struct {
	def            schema.StepDef
	tool           tools.Tool
	toolDef        schema.ToolDef
	allowedDomains []string
	config         StepConfig
}

// Execute runs plan over input, using s.Pipeline to resolve per-step
// tools/config, s.Tools for each step's ToolDef (rate-limit and endpoint
// policy), s.Limits.AllowedDomains for the domain allowlist, and
// execCtx to identify the task to invoked tools. toolInstances must
// contain one built Tool per step name (the Agent Runner builds these
// via the Tool Registry before invoking Execute, per spec.md §4.I
// step 2).
func (e *Executor) Execute(
	ctx context.Context,
	plan *planner.Plan,
	s schema.Schema,
	toolInstances map[string]tools.Tool,
	input map[string]any,
	execCtx tools.ExecutionContext,
) (*Result, error) {
	start := time.Now()
	pipeline := s.Pipeline

	data := make(map[string]any, len(input))
	for k, v := range input {
		data[k] = v
	}

	stepByName := make(map[string]stepRuntime, len(pipeline.Steps))
	for _, step := range pipeline.Steps {
		tool, ok := toolInstances[step.Name]
		if !ok {
			return nil, fmt.Errorf("internal: no tool instance built for step %q", step.Name)
		}
		stepByName[step.Name] = stepRuntime{
			def:            step,
			tool:           tool,
			toolDef:        s.Tools[step.Tool],
			allowedDomains: s.Limits.AllowedDomains,
			config:         resolveStepConfig(step, pipeline),
		}
	}

	result := &Result{
		StepResults: make(map[string]StepRecord, len(pipeline.Steps)),
		FinalData:   data,
	}

	var dataMu sync.Mutex

	for _, level := range plan.Levels {
		select {
		case <-ctx.Done():
			return e.finishCancelled(result, start, pipeline.Steps, level)
		default:
		}

		snapshot := snapshotData(data, &dataMu)

		var records []StepRecord
		var terminalErr error

		if pipeline.ParallelExecution && len(level) > 1 {
			records, terminalErr = e.runLevelConcurrent(ctx, level, stepByName, snapshot, execCtx)
		} else {
			records, terminalErr = e.runLevelSequential(ctx, level, stepByName, snapshot, execCtx, &dataMu, data)
		}

		// Merge writes for the concurrent path (sequential path merges
		// in-line as each step completes, matching "writers don't see
		// writers within a level" while still being immediately visible
		// to the *next* sequential step, which spec.md §4.G permits
		// since sequential steps are not really "the same level"
		// concurrently in implementation even though they share a
		// planner level).
		if pipeline.ParallelExecution && len(level) > 1 {
			dataMu.Lock()
			for _, rec := range records {
				mergeResultIntoData(data, rec.Result)
			}
			dataMu.Unlock()
		}

		for _, rec := range records {
			result.StepResults[rec.StepName] = rec
			result.ExecutionLog = append(result.ExecutionLog, rec)
		}

		if terminalErr != nil {
			result.TotalTimeSecs = time.Since(start).Seconds()
			return result, terminalErr
		}
	}

	result.TotalTimeSecs = time.Since(start).Seconds()
	result.FinalData = data
	return result, nil
}

func resolveStepConfig(step schema.StepDef, pipeline schema.PipelineDef) StepConfig {
	cfg := StepConfig{}

	cfg.TimeoutSeconds = step.TimeoutSeconds
	if cfg.TimeoutSeconds == 0 && pipeline.TimeoutSeconds != nil {
		cfg.TimeoutSeconds = *pipeline.TimeoutSeconds
	}

	if step.Retry != nil {
		cfg.Retry = *step.Retry
	} else {
		cfg.Retry = schema.RetryConfig{MaxRetries: pipeline.MaxRetries}
	}
	return cfg
}

func snapshotData(data map[string]any, mu *sync.Mutex) map[string]any {
	mu.Lock()
	defer mu.Unlock()
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

// runLevelSequential executes level's steps one at a time in plan
// order, merging each step's result into data immediately so the next
// step in the same level observes it — matching spec.md §4.G's
// "otherwise run sequentially in plan order" clause.
func (e *Executor) runLevelSequential(
	ctx context.Context,
	level []string,
	steps map[string]stepRuntime,
	_ map[string]any,
	execCtx tools.ExecutionContext,
	dataMu *sync.Mutex,
	data map[string]any,
) ([]StepRecord, error) {
	var records []StepRecord
	for _, name := range level {
		sr := steps[name]
		stepInput := mergeStepInput(snapshotData(data, dataMu), sr.def.Config)
		rec := e.runStep(ctx, sr, stepInput, execCtx)
		records = append(records, rec)

		if rec.Success {
			dataMu.Lock()
			mergeResultIntoData(data, rec.Result)
			dataMu.Unlock()
		} else {
			return records, &StepFailedError{StepName: name, Cause: stepErrorToGoError(rec.Error)}
		}
	}
	return records, nil
}

// runLevelConcurrent launches every step in level as its own goroutine,
// using a buffered results channel sized to the level (the same
// "reservation + buffered channel" shape as the teacher's
// SubAgentRunner, generalized from an unbounded agent dispatch queue to
// a single bounded wave) and waits for all to settle before proceeding,
// per spec.md §4.G.
func (e *Executor) runLevelConcurrent(
	ctx context.Context,
	level []string,
	steps map[string]stepRuntime,
	snapshot map[string]any,
	execCtx tools.ExecutionContext,
) ([]StepRecord, error) {
	resultsCh := make(chan StepRecord, len(level))
	var wg sync.WaitGroup

	for _, name := range level {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sr := steps[name]
			stepInput := mergeStepInput(snapshot, sr.def.Config)
			resultsCh <- e.runStep(ctx, sr, stepInput, execCtx)
		}(name)
	}

	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	var records []StepRecord
	var firstFailure *StepRecord
	for rec := range resultsCh {
		records = append(records, rec)
		if !rec.Success && firstFailure == nil {
			r := rec
			firstFailure = &r
		}
	}

	sort.Slice(records, func(i, j int) bool { return records[i].StepName < records[j].StepName })

	if firstFailure != nil {
		return records, &StepFailedError{StepName: firstFailure.StepName, Cause: stepErrorToGoError(firstFailure.Error)}
	}
	return records, nil
}

func mergeStepInput(data map[string]any, stepConfig map[string]any) map[string]any {
	merged := make(map[string]any, len(data)+len(stepConfig))
	for k, v := range data {
		merged[k] = v
	}
	for k, v := range stepConfig {
		merged[k] = v
	}
	return merged
}

// mergeResultIntoData merges a step's map-shaped result into data,
// key-wise, last-writer-wins (spec.md §4.G). Non-map results are not
// merged into data but remain available via step_results.
func mergeResultIntoData(data map[string]any, result any) {
	m, ok := result.(map[string]any)
	if !ok {
		return
	}
	for k, v := range m {
		data[k] = v
	}
}

func stepErrorToGoError(e *StepError) error {
	if e == nil {
		return nil
	}
	return &tools.Error{Kind: e.Kind, Message: e.Message}
}

// runStep executes one step through its retry policy and returns its
// terminal StepRecord. attempts = max_retries + 1 (spec.md §4.G).
func (e *Executor) runStep(
	ctx context.Context,
	sr stepRuntime,
	stepInput map[string]any,
	execCtx tools.ExecutionContext,
) StepRecord {
	rec := StepRecord{StepName: sr.def.Name, StartedAt: time.Now(), State: StateRunning}
	maxAttempts := sr.config.Retry.MaxRetries + 1

	var lastErr *tools.Error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		rec.Attempts = attempt

		select {
		case <-ctx.Done():
			rec.State = StateCancelled
			rec.EndedAt = time.Now()
			rec.Error = &StepError{Kind: tools.ErrorInternal, Message: "cancelled"}
			return rec
		default:
		}

		result, toolErr := e.invokeWithTimeout(ctx, sr, stepInput, execCtx)
		if toolErr == nil {
			rec.State = StateSucceeded
			rec.Success = true
			rec.Result = result
			rec.EndedAt = time.Now()
			return rec
		}

		lastErr = toolErr
		slog.Warn("pipeline step invocation failed", "step", sr.def.Name, "attempt", attempt,
			"kind", toolErr.Kind, "message", toolErr.Message)

		if !toolErr.Retriable || attempt == maxAttempts {
			break
		}

		delay := backoffDelay(sr.config.Retry, attempt)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				rec.State = StateCancelled
				rec.EndedAt = time.Now()
				rec.Error = &StepError{Kind: tools.ErrorInternal, Message: "cancelled during retry backoff"}
				return rec
			}
		}
	}

	rec.State = StateFailed
	rec.Success = false
	rec.EndedAt = time.Now()
	rec.Error = &StepError{Kind: lastErr.Kind, Message: lastErr.Message}
	return rec
}

// backoffDelay computes the sleep between attempts: delay_s ×
// (exponential_backoff ? 2^attempt : 1), per spec.md §4.G.
func backoffDelay(retry schema.RetryConfig, attempt int) time.Duration {
	if retry.DelaySeconds <= 0 {
		return 0
	}
	delay := retry.DelaySeconds
	if retry.ExponentialBackoff {
		delay *= math.Pow(2, float64(attempt))
	}
	return time.Duration(delay * float64(time.Second))
}

// rateLimiter is a fixed-window counter: up to limit invocations may
// occur within a single window, after which Allow reports false until
// the window rolls over.
type rateLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	windowStart time.Time
	count       int
}

func (r *rateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.Sub(r.windowStart) >= r.window {
		r.windowStart = now
		r.count = 0
	}
	if r.count >= r.limit {
		return false
	}
	r.count++
	return true
}

// parseRateLimit parses the "N/{second|minute|hour|day}" format
// validated at registration time (spec.md:100,167).
func parseRateLimit(spec string) (int, time.Duration, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid rate_limit %q: expected N/unit", spec)
	}
	n, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || n <= 0 {
		return 0, 0, fmt.Errorf("invalid rate_limit %q: bad count", spec)
	}
	var window time.Duration
	switch strings.TrimSpace(parts[1]) {
	case "second":
		window = time.Second
	case "minute":
		window = time.Minute
	case "hour":
		window = time.Hour
	case "day":
		window = 24 * time.Hour
	default:
		return 0, 0, fmt.Errorf("invalid rate_limit %q: unknown unit", spec)
	}
	return n, window, nil
}

// checkRateLimit enforces def.RateLimit, if set, against a counter
// keyed by tool type and rate so every step invoking the same
// collaborator shares one budget. Returns a denied *tools.Error when
// the limit is exceeded.
func (e *Executor) checkRateLimit(def schema.ToolDef) *tools.Error {
	if def.RateLimit == "" {
		return nil
	}
	n, window, err := parseRateLimit(def.RateLimit)
	if err != nil {
		slog.Warn("ignoring malformed rate_limit", "tool_type", def.Type, "rate_limit", def.RateLimit, "error", err)
		return nil
	}

	key := def.Type + "|" + def.RateLimit
	e.limiterMu.Lock()
	lim, ok := e.limiters[key]
	if !ok {
		lim = &rateLimiter{limit: n, window: window, windowStart: time.Now()}
		e.limiters[key] = lim
	}
	e.limiterMu.Unlock()

	if !lim.Allow(time.Now()) {
		return tools.NewDeniedError(fmt.Sprintf("rate limit exceeded for tool %q: %s", def.Type, def.RateLimit))
	}
	return nil
}

// domainAllowed reports whether rawURL's host is in allowedDomains (or
// allowedDomains is empty, meaning no restriction), matching bare and
// "www."-prefixed hosts case-insensitively.
func domainAllowed(rawURL string, allowedDomains []string) bool {
	if len(allowedDomains) == 0 {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	for _, domain := range allowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || host == "www."+domain {
			return true
		}
	}
	return false
}

// checkDomainAllowlist enforces allowedDomains against the endpoint a
// tool declares in its config, if any (spec.md:86).
func checkDomainAllowlist(def schema.ToolDef, allowedDomains []string) *tools.Error {
	if len(allowedDomains) == 0 {
		return nil
	}
	endpoint, ok := def.Config["endpoint"].(string)
	if !ok || endpoint == "" {
		return nil
	}
	if !domainAllowed(endpoint, allowedDomains) {
		return tools.NewDeniedError(fmt.Sprintf("endpoint %q not in allowed domains for tool %q", endpoint, def.Type))
	}
	return nil
}

// invokeWithTimeout runs the step's tool under its effective timeout,
// converting every raise into a tagged error at the boundary (spec.md
// §9 "exception control flow"). Before invoking the tool it applies
// the pre-execution policy checks of spec.md:293-294: rate limiting
// and domain allowlisting, both of which deny non-retriably.
func (e *Executor) invokeWithTimeout(
	ctx context.Context,
	sr stepRuntime,
	stepInput map[string]any,
	execCtx tools.ExecutionContext,
) (any, *tools.Error) {
	if denied := e.checkRateLimit(sr.toolDef); denied != nil {
		return nil, denied
	}
	if denied := checkDomainAllowlist(sr.toolDef, sr.allowedDomains); denied != nil {
		return nil, denied
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if sr.config.TimeoutSeconds > 0 {
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(sr.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := sr.tool.Execute(callCtx, stepInput, execCtx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil {
			return o.result, nil
		}
		var te *tools.Error
		if asToolError(o.err, &te) {
			return nil, te
		}
		return nil, &tools.Error{Kind: tools.ErrorToolError, Message: o.err.Error(), Retriable: true}
	case <-callCtx.Done():
		if ctx.Err() != nil && ctx.Err() != context.DeadlineExceeded {
			return nil, &tools.Error{Kind: tools.ErrorInternal, Message: "cancelled", Retriable: false}
		}
		return nil, &tools.Error{Kind: tools.ErrorTimeout, Message: "step exceeded effective timeout", Retriable: true}
	}
}

func asToolError(err error, target **tools.Error) bool {
	if te, ok := err.(*tools.Error); ok {
		*target = te
		return true
	}
	return false
}

// finishCancelled marks every step that hasn't started as cancelled and
// returns the cancelled terminal error. No grace period is applied:
// Execute does not sleep or wait on e.cancelGrace, and the Agent Runner
// passes cancellation straight through via ctx, so in-flight steps see
// ctx.Done() as soon as the caller cancels.
func (e *Executor) finishCancelled(result *Result, start time.Time, allSteps []schema.StepDef, _ []string) (*Result, error) {
	now := time.Now()
	for _, step := range allSteps {
		if _, done := result.StepResults[step.Name]; done {
			continue
		}
		rec := StepRecord{
			StepName: step.Name,
			State:    StateCancelled,
			EndedAt:  now,
			Error:    &StepError{Kind: tools.ErrorInternal, Message: "cancelled"},
		}
		result.StepResults[step.Name] = rec
		result.ExecutionLog = append(result.ExecutionLog, rec)
	}
	result.TotalTimeSecs = time.Since(start).Seconds()
	return result, &CancelledError{}
}
