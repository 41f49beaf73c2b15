// Package monitor tracks node-level progress for in-flight executions,
// maintains per-workflow performance baselines and raises alerts when a
// run deviates from historical norms.
package monitor

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/flowbridge-io/flowbridge/pkg/events"
	"github.com/flowbridge-io/flowbridge/pkg/stats"
)

type Phase string

const (
	PhaseInitializing Phase = "initializing"
	PhaseExecuting    Phase = "executing"
	PhaseCompleting   Phase = "completing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// Node progress values feeding the overall percentage.
const (
	progressPending  = 0.0
	progressRunning  = 50.0
	progressFinished = 100.0
)

// NodeProgress tracks one node within one execution. Entries are
// unique per (execution, node) pair.
type NodeProgress struct {
	NodeID     string        `json:"nodeId"`
	NodeName   string        `json:"nodeName,omitempty"`
	Status     NodeStatus    `json:"status"`
	Progress   float64       `json:"progress"`
	StartedAt  time.Time     `json:"startedAt,omitempty"`
	FinishedAt time.Time     `json:"finishedAt,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// PerformanceSummary is computed once, at completion time.
type PerformanceSummary struct {
	AverageNodeTime time.Duration `json:"averageNodeTime"`
	SlowestNode     string        `json:"slowestNode,omitempty"`
	FastestNode     string        `json:"fastestNode,omitempty"`
	Bottlenecks     []string      `json:"bottlenecks,omitempty"`
}

// WorkflowProgress is the live progress record for one execution.
// Exactly one exists per in-flight execution id; it moves to history
// on completion.
type WorkflowProgress struct {
	ExecutionID       string              `json:"executionId"`
	WorkflowID        string              `json:"workflowId,omitempty"`
	OverallProgress   float64             `json:"overallProgress"`
	Phase             Phase               `json:"phase"`
	Nodes             []NodeProgress      `json:"nodes"`
	StartedAt         time.Time           `json:"startedAt"`
	EstimatedDuration time.Duration       `json:"estimatedDuration"`
	ActualDuration    time.Duration       `json:"actualDuration"`
	Summary           *PerformanceSummary `json:"summary,omitempty"`
}

// Benchmark is a workflow's rolling performance baseline.
type Benchmark struct {
	WorkflowID     string        `json:"workflowId"`
	ExecutionCount int64         `json:"executionCount"`
	Average        time.Duration `json:"average"`
	P95            time.Duration `json:"p95"`
	P99            time.Duration `json:"p99"`
}

type AlertType string

const (
	AlertSlowExecution   AlertType = "slow_execution"
	AlertHighFailureRate AlertType = "high_failure_rate"
)

type Severity string

const (
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is emitted at completion time and kept until dismissed.
type Alert struct {
	ID          string    `json:"id"`
	Type        AlertType `json:"type"`
	ExecutionID string    `json:"executionId"`
	WorkflowID  string    `json:"workflowId,omitempty"`
	Message     string    `json:"message"`
	Severity    Severity  `json:"severity"`
	Timestamp   time.Time `json:"timestamp"`
}

type Config struct {
	ProgressUpdateInterval  time.Duration
	SlowExecutionMultiplier float64
	HighFailureRate         float64
	HistoryLimit            int
	BenchmarkWindowSize     int
}

// Hooks deliver progress notifications. They run on the event-handling
// goroutine (or the tick goroutine) after state has been updated.
type Hooks struct {
	OnProgressStarted   func(progress WorkflowProgress)
	OnProgressUpdated   func(progress WorkflowProgress)
	OnProgressCompleted func(progress WorkflowProgress)
	OnProgressTick      func(progress WorkflowProgress)
	OnAlert             func(alert Alert)
}

type benchmark struct {
	window *stats.Window
	count  int64
}

// Monitor consumes domain events and owns the progress registry, the
// benchmark map and the alert list.
type Monitor struct {
	cfg    Config
	hooks  Hooks
	clock  clockwork.Clock
	logger *slog.Logger

	mu         sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	active     map[string]*WorkflowProgress
	history    []WorkflowProgress
	benchmarks map[string]*benchmark
	alerts     []Alert
}

func New(cfg Config, hooks Hooks, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	if cfg.BenchmarkWindowSize <= 0 {
		cfg.BenchmarkWindowSize = 100
	}

	return &Monitor{
		cfg:        cfg,
		hooks:      hooks,
		clock:      clock,
		logger:     logger.With("module", "monitor"),
		active:     make(map[string]*WorkflowProgress),
		benchmarks: make(map[string]*benchmark),
	}
}

// Start launches the predictive completion tick. Idempotent.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.running = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.tickLoop(m.stop, m.done)
}

// Stop halts the tick. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()

		return
	}

	m.running = false
	close(m.stop)
	done := m.done
	m.mu.Unlock()

	<-done
}

func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// HandleEvent routes a domain event to the matching progress handler.
// Heartbeats and unknown events are ignored.
func (m *Monitor) HandleEvent(event events.Event) {
	switch ev := event.(type) {
	case events.ExecutionStarted:
		m.handleExecutionStarted(ev)
	case events.ExecutionCompleted:
		m.handleExecutionCompleted(ev)
	case events.NodeStarted:
		m.handleNodeStarted(ev)
	case events.NodeCompleted:
		m.handleNodeCompleted(ev)
	}
}

func (m *Monitor) handleExecutionStarted(ev events.ExecutionStarted) {
	m.mu.Lock()
	progress := &WorkflowProgress{
		ExecutionID:     ev.ExecutionID,
		WorkflowID:      ev.WorkflowID,
		OverallProgress: 0,
		Phase:           PhaseInitializing,
		StartedAt:       ev.Timestamp,
	}
	m.active[ev.ExecutionID] = progress
	snapshot := copyProgress(progress)
	m.mu.Unlock()

	if m.hooks.OnProgressStarted != nil {
		m.hooks.OnProgressStarted(snapshot)
	}
}

func (m *Monitor) handleNodeStarted(ev events.NodeStarted) {
	m.mu.Lock()
	progress := m.ensureProgress(ev.EventData)

	node := upsertNode(progress, ev.EventData)
	node.Status = NodeStatusRunning
	node.Progress = progressRunning
	node.StartedAt = ev.Timestamp

	progress.Phase = PhaseExecuting
	recomputeOverall(progress)

	snapshot := copyProgress(progress)
	m.mu.Unlock()

	if m.hooks.OnProgressUpdated != nil {
		m.hooks.OnProgressUpdated(snapshot)
	}
}

func (m *Monitor) handleNodeCompleted(ev events.NodeCompleted) {
	m.mu.Lock()
	progress := m.ensureProgress(ev.EventData)

	node := upsertNode(progress, ev.EventData)

	node.Status = NodeStatusCompleted
	if ev.Status == events.ExecutionStatusError || ev.Error != "" {
		node.Status = NodeStatusFailed
		node.Error = ev.Error
	}

	node.Progress = progressFinished
	node.FinishedAt = ev.Timestamp

	if !node.StartedAt.IsZero() {
		node.Duration = node.FinishedAt.Sub(node.StartedAt)
	}

	recomputeOverall(progress)
	recomputePhase(progress)

	snapshot := copyProgress(progress)
	m.mu.Unlock()

	if m.hooks.OnProgressUpdated != nil {
		m.hooks.OnProgressUpdated(snapshot)
	}
}

func (m *Monitor) handleExecutionCompleted(ev events.ExecutionCompleted) {
	m.mu.Lock()
	progress := m.ensureProgress(ev.EventData)

	failed := ev.Status == events.ExecutionStatusError || ev.Error != ""

	progress.OverallProgress = 100
	progress.Phase = PhaseCompleted

	if failed {
		progress.Phase = PhaseFailed
	}

	if !progress.StartedAt.IsZero() {
		progress.ActualDuration = ev.Timestamp.Sub(progress.StartedAt)
	}

	progress.Summary = m.computeSummary(progress)

	// Alerts compare against the baseline established by previous
	// runs, so they are checked before this run joins the window.
	alerts := m.checkAlerts(progress, ev.Timestamp)
	m.updateBenchmark(progress)

	delete(m.active, ev.ExecutionID)

	m.history = append(m.history, copyProgress(progress))
	if len(m.history) > m.cfg.HistoryLimit {
		keep := m.cfg.HistoryLimit / 2
		m.history = append([]WorkflowProgress(nil), m.history[len(m.history)-keep:]...)
	}

	snapshot := copyProgress(progress)
	m.mu.Unlock()

	for _, alert := range alerts {
		m.logger.Warn("Alert raised",
			"alert_type", string(alert.Type),
			"severity", string(alert.Severity),
			"execution_id", alert.ExecutionID,
			"message", alert.Message,
		)

		if m.hooks.OnAlert != nil {
			m.hooks.OnAlert(alert)
		}
	}

	if m.hooks.OnProgressCompleted != nil {
		m.hooks.OnProgressCompleted(snapshot)
	}
}

// ensureProgress resolves the record for an execution, creating one
// reactively when events arrive out of order. Caller holds the lock.
func (m *Monitor) ensureProgress(data events.EventData) *WorkflowProgress {
	if progress, ok := m.active[data.ExecutionID]; ok {
		if progress.WorkflowID == "" {
			progress.WorkflowID = data.WorkflowID
		}

		return progress
	}

	progress := &WorkflowProgress{
		ExecutionID: data.ExecutionID,
		WorkflowID:  data.WorkflowID,
		Phase:       PhaseInitializing,
		StartedAt:   data.Timestamp,
	}
	m.active[data.ExecutionID] = progress

	return progress
}

func upsertNode(progress *WorkflowProgress, data events.EventData) *NodeProgress {
	key := data.NodeID
	if key == "" {
		key = data.NodeName
	}

	for i := range progress.Nodes {
		if progress.Nodes[i].NodeID == key {
			return &progress.Nodes[i]
		}
	}

	progress.Nodes = append(progress.Nodes, NodeProgress{
		NodeID:   key,
		NodeName: data.NodeName,
		Status:   NodeStatusPending,
		Progress: progressPending,
	})

	return &progress.Nodes[len(progress.Nodes)-1]
}

func recomputeOverall(progress *WorkflowProgress) {
	if len(progress.Nodes) == 0 {
		return
	}

	var sum float64
	for i := range progress.Nodes {
		sum += progress.Nodes[i].Progress
	}

	progress.OverallProgress = math.Round(sum / float64(len(progress.Nodes)))
}

func recomputePhase(progress *WorkflowProgress) {
	finished := 0

	for i := range progress.Nodes {
		switch progress.Nodes[i].Status {
		case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped:
			finished++
		}
	}

	switch {
	case finished == 0:
		progress.Phase = PhaseInitializing
	case finished == len(progress.Nodes):
		progress.Phase = PhaseCompleting
	default:
		progress.Phase = PhaseExecuting
	}
}

func (m *Monitor) computeSummary(progress *WorkflowProgress) *PerformanceSummary {
	summary := &PerformanceSummary{}

	var (
		total    time.Duration
		measured int
	)

	for i := range progress.Nodes {
		node := &progress.Nodes[i]
		if node.Duration <= 0 {
			continue
		}

		total += node.Duration
		measured++

		if summary.SlowestNode == "" {
			summary.SlowestNode = node.NodeID
			summary.FastestNode = node.NodeID

			continue
		}

		if node.Duration > nodeDuration(progress, summary.SlowestNode) {
			summary.SlowestNode = node.NodeID
		}

		if node.Duration < nodeDuration(progress, summary.FastestNode) {
			summary.FastestNode = node.NodeID
		}
	}

	if measured == 0 {
		return summary
	}

	summary.AverageNodeTime = total / time.Duration(measured)

	threshold := time.Duration(float64(summary.AverageNodeTime) * m.cfg.SlowExecutionMultiplier)
	for i := range progress.Nodes {
		node := &progress.Nodes[i]
		if node.Duration > threshold {
			summary.Bottlenecks = append(summary.Bottlenecks, node.NodeID)
		}
	}

	return summary
}

func nodeDuration(progress *WorkflowProgress, nodeID string) time.Duration {
	for i := range progress.Nodes {
		if progress.Nodes[i].NodeID == nodeID {
			return progress.Nodes[i].Duration
		}
	}

	return 0
}

func (m *Monitor) checkAlerts(progress *WorkflowProgress, at time.Time) []Alert {
	var raised []Alert

	if progress.WorkflowID != "" {
		if bench, ok := m.benchmarks[progress.WorkflowID]; ok && bench.count > 0 {
			average := time.Duration(bench.window.Mean())
			threshold := time.Duration(float64(average) * m.cfg.SlowExecutionMultiplier)

			if threshold > 0 && progress.ActualDuration > threshold {
				severity := SeverityMedium
				if progress.ActualDuration > 2*threshold {
					severity = SeverityHigh
				}

				raised = append(raised, Alert{
					ID:          uuid.New().String(),
					Type:        AlertSlowExecution,
					ExecutionID: progress.ExecutionID,
					WorkflowID:  progress.WorkflowID,
					Severity:    severity,
					Timestamp:   at,
					Message: fmt.Sprintf(
						"execution took %s, benchmark average is %s",
						progress.ActualDuration, average),
				})
			}
		}
	}

	if len(progress.Nodes) > 0 {
		failedNodes := 0

		for i := range progress.Nodes {
			if progress.Nodes[i].Status == NodeStatusFailed {
				failedNodes++
			}
		}

		rate := float64(failedNodes) / float64(len(progress.Nodes))
		if rate > m.cfg.HighFailureRate {
			severity := SeverityHigh
			if rate > 0.5 {
				severity = SeverityCritical
			}

			raised = append(raised, Alert{
				ID:          uuid.New().String(),
				Type:        AlertHighFailureRate,
				ExecutionID: progress.ExecutionID,
				WorkflowID:  progress.WorkflowID,
				Severity:    severity,
				Timestamp:   at,
				Message: fmt.Sprintf(
					"%d of %d nodes failed (%.0f%%)",
					failedNodes, len(progress.Nodes), rate*100),
			})
		}
	}

	m.alerts = append(m.alerts, raised...)

	return raised
}

func (m *Monitor) updateBenchmark(progress *WorkflowProgress) {
	if progress.WorkflowID == "" || progress.ActualDuration <= 0 {
		return
	}

	bench, ok := m.benchmarks[progress.WorkflowID]
	if !ok {
		bench = &benchmark{window: stats.NewWindow(m.cfg.BenchmarkWindowSize)}
		m.benchmarks[progress.WorkflowID] = bench
	}

	bench.window.Add(float64(progress.ActualDuration))
	bench.count++
}

func (m *Monitor) tickLoop(stop, done chan struct{}) {
	defer close(done)

	ticker := m.clock.NewTicker(m.cfg.ProgressUpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			m.tick()
		}
	}
}

// tick recomputes the predicted total duration for every execution in
// the executing phase: estimated = elapsed / (progress/100).
func (m *Monitor) tick() {
	m.mu.Lock()

	snapshots := make([]WorkflowProgress, 0, len(m.active))

	for _, progress := range m.active {
		if progress.Phase != PhaseExecuting || progress.OverallProgress <= 0 {
			continue
		}

		elapsed := m.clock.Since(progress.StartedAt)
		progress.EstimatedDuration = time.Duration(
			float64(elapsed) / (progress.OverallProgress / 100))

		snapshots = append(snapshots, copyProgress(progress))
	}
	m.mu.Unlock()

	if m.hooks.OnProgressTick == nil {
		return
	}

	for _, snapshot := range snapshots {
		m.hooks.OnProgressTick(snapshot)
	}
}

func (m *Monitor) ExecutionProgress(executionID string) (WorkflowProgress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if progress, ok := m.active[executionID]; ok {
		return copyProgress(progress), true
	}

	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ExecutionID == executionID {
			return copyProgress(&m.history[i]), true
		}
	}

	return WorkflowProgress{}, false
}

func (m *Monitor) ActiveProgress() []WorkflowProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkflowProgress, 0, len(m.active))
	for _, progress := range m.active {
		out = append(out, copyProgress(progress))
	}

	return out
}

func (m *Monitor) ProgressHistory() []WorkflowProgress {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]WorkflowProgress, 0, len(m.history))
	for i := range m.history {
		out = append(out, copyProgress(&m.history[i]))
	}

	return out
}

func (m *Monitor) BenchmarkFor(workflowID string) (Benchmark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	bench, ok := m.benchmarks[workflowID]
	if !ok {
		return Benchmark{}, false
	}

	return Benchmark{
		WorkflowID:     workflowID,
		ExecutionCount: bench.count,
		Average:        time.Duration(bench.window.Mean()),
		P95:            time.Duration(bench.window.Percentile(95)),
		P99:            time.Duration(bench.window.Percentile(99)),
	}, true
}

func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)

	return out
}

// DismissAlert removes one alert by id. Returns false when no alert
// with that id exists.
func (m *Monitor) DismissAlert(alertID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.alerts {
		if m.alerts[i].ID == alertID {
			m.alerts = append(m.alerts[:i], m.alerts[i+1:]...)

			return true
		}
	}

	return false
}

func copyProgress(progress *WorkflowProgress) WorkflowProgress {
	out := *progress

	out.Nodes = make([]NodeProgress, len(progress.Nodes))
	copy(out.Nodes, progress.Nodes)

	if progress.Summary != nil {
		summary := *progress.Summary
		summary.Bottlenecks = append([]string(nil), progress.Summary.Bottlenecks...)
		out.Summary = &summary
	}

	return out
}
