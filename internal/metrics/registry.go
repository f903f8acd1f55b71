// Package metrics tracks per-project, per-tool call counters and
// latencies and exports them as Prometheus text, JSON, and per-project
// snapshot files.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcp-agent-memory/internal/logging"

	"github.com/google/uuid"
)

// recentErrorCap bounds the per-project error ring.
const recentErrorCap = 10

// ToolMetrics are the counters for one (project, tool) pair.
type ToolMetrics struct {
	CallsTotal     int64   `json:"calls_total"`
	CallsSuccess   int64   `json:"calls_success"`
	CallsError     int64   `json:"calls_error"`
	LatencyMSTotal float64 `json:"latency_ms_total"`
	LatencyMSAvg   float64 `json:"latency_ms_avg"`
}

// ErrorRate is errors over completed calls.
func (tm *ToolMetrics) ErrorRate() float64 {
	completed := tm.CallsSuccess + tm.CallsError
	if completed == 0 {
		return 0
	}
	return float64(tm.CallsError) / float64(completed)
}

// RecentError is one remembered failure.
type RecentError struct {
	Tool      string    `json:"tool"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// inflightCall pairs a RecordToolCall with its completion.
type inflightCall struct {
	projectID string
	tool      string
	started   time.Time
}

// Registry is the process-wide metrics store. All methods are safe for
// concurrent use.
type Registry struct {
	mu           sync.Mutex
	byProject    map[string]map[string]*ToolMetrics
	recentErrors map[string][]RecentError
	inflight     map[string]inflightCall
	dataDir      string
	logger       logging.Logger
}

// NewRegistry builds a registry persisting snapshots under
// dataDir/metrics.
func NewRegistry(dataDir string) *Registry {
	return &Registry{
		byProject:    make(map[string]map[string]*ToolMetrics),
		recentErrors: make(map[string][]RecentError),
		inflight:     make(map[string]inflightCall),
		dataDir:      dataDir,
		logger:       logging.WithComponent("metrics"),
	}
}

// RecordToolCall opens one call and returns its request id. calls_total
// increments immediately; success/error wait for completion.
func (r *Registry) RecordToolCall(projectID, tool string) string {
	requestID := uuid.New().String()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.toolMetricsLocked(projectID, tool).CallsTotal++
	r.inflight[requestID] = inflightCall{projectID: projectID, tool: tool, started: time.Now()}
	return requestID
}

// RecordToolCompletion closes a call opened by RecordToolCall. Unknown
// request ids are ignored; each id completes at most once.
func (r *Registry) RecordToolCompletion(requestID string, callErr error, message string) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	call, ok := r.inflight[requestID]
	if !ok {
		return
	}
	delete(r.inflight, requestID)

	tm := r.toolMetricsLocked(call.projectID, call.tool)
	latency := float64(now.Sub(call.started).Microseconds()) / 1000.0
	tm.LatencyMSTotal += latency
	if callErr != nil {
		tm.CallsError++
		r.pushErrorLocked(call.projectID, RecentError{
			Tool:      call.tool,
			Message:   errorMessage(callErr, message),
			Timestamp: now.UTC(),
		})
	} else {
		tm.CallsSuccess++
	}
	if completed := tm.CallsSuccess + tm.CallsError; completed > 0 {
		tm.LatencyMSAvg = tm.LatencyMSTotal / float64(completed)
	}
}

// ProjectMetrics returns a copy of one project's counters by tool.
func (r *Registry) ProjectMetrics(projectID string) map[string]ToolMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ToolMetrics)
	for tool, tm := range r.byProject[projectID] {
		out[tool] = *tm
	}
	return out
}

// RecentErrors returns a copy of the project's error ring, newest last.
func (r *Registry) RecentErrors(projectID string) []RecentError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RecentError(nil), r.recentErrors[projectID]...)
}

// PrometheusText renders every counter in Prometheus exposition format
// with {project_id, tool} labels, deterministically ordered.
func (r *Registry) PrometheusText() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b strings.Builder
	writeHeader := func(name, kind, help string) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s %s\n", name, help, name, kind)
	}

	type row struct {
		project, tool string
		tm            *ToolMetrics
	}
	var rows []row
	for projectID, tools := range r.byProject {
		for tool, tm := range tools {
			rows = append(rows, row{projectID, tool, tm})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].project != rows[j].project {
			return rows[i].project < rows[j].project
		}
		return rows[i].tool < rows[j].tool
	})

	emit := func(name string, value func(*ToolMetrics) float64) {
		for _, row := range rows {
			fmt.Fprintf(&b, "%s{project_id=%q,tool=%q} %g\n", name, row.project, row.tool, value(row.tm))
		}
	}

	writeHeader("tool_calls_total", "counter", "Total tool calls started.")
	emit("tool_calls_total", func(tm *ToolMetrics) float64 { return float64(tm.CallsTotal) })
	writeHeader("tool_calls_success", "counter", "Tool calls completed without error.")
	emit("tool_calls_success", func(tm *ToolMetrics) float64 { return float64(tm.CallsSuccess) })
	writeHeader("tool_calls_error", "counter", "Tool calls completed with an error.")
	emit("tool_calls_error", func(tm *ToolMetrics) float64 { return float64(tm.CallsError) })
	writeHeader("tool_error_rate", "gauge", "Errors over completed calls.")
	emit("tool_error_rate", func(tm *ToolMetrics) float64 { return tm.ErrorRate() })
	writeHeader("tool_latency_ms_avg", "gauge", "Mean completed-call latency in milliseconds.")
	emit("tool_latency_ms_avg", func(tm *ToolMetrics) float64 { return tm.LatencyMSAvg })
	writeHeader("tool_latency_ms_total", "counter", "Summed completed-call latency in milliseconds.")
	emit("tool_latency_ms_total", func(tm *ToolMetrics) float64 { return tm.LatencyMSTotal })

	return b.String()
}

// JSON renders the full registry as a JSON document.
func (r *Registry) JSON() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return json.MarshalIndent(r.snapshotLocked(), "", "  ")
}

type projectSnapshot struct {
	ProjectID    string                 `json:"project_id"`
	Tools        map[string]ToolMetrics `json:"tools"`
	RecentErrors []RecentError          `json:"recent_errors,omitempty"`
	SavedAt      time.Time              `json:"saved_at"`
}

func (r *Registry) snapshotLocked() map[string]projectSnapshot {
	out := make(map[string]projectSnapshot, len(r.byProject))
	for projectID := range r.byProject {
		out[projectID] = r.projectSnapshotLocked(projectID)
	}
	return out
}

func (r *Registry) projectSnapshotLocked(projectID string) projectSnapshot {
	tools := make(map[string]ToolMetrics)
	for tool, tm := range r.byProject[projectID] {
		tools[tool] = *tm
	}
	return projectSnapshot{
		ProjectID:    projectID,
		Tools:        tools,
		RecentErrors: append([]RecentError(nil), r.recentErrors[projectID]...),
		SavedAt:      time.Now().UTC(),
	}
}

// SaveProject writes one project's snapshot to
// <data_dir>/metrics/<project_id>_metrics.json.
func (r *Registry) SaveProject(projectID string) error {
	r.mu.Lock()
	snapshot := r.projectSnapshotLocked(projectID)
	r.mu.Unlock()

	dir := filepath.Join(r.dataDir, "metrics")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics snapshot: %w", err)
	}
	path := filepath.Join(dir, projectID+"_metrics.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write metrics snapshot: %w", err)
	}
	r.logger.Debug("saved metrics snapshot", "project_id", projectID, "path", path)
	return nil
}

func (r *Registry) toolMetricsLocked(projectID, tool string) *ToolMetrics {
	tools, ok := r.byProject[projectID]
	if !ok {
		tools = make(map[string]*ToolMetrics)
		r.byProject[projectID] = tools
	}
	tm, ok := tools[tool]
	if !ok {
		tm = &ToolMetrics{}
		tools[tool] = tm
	}
	return tm
}

func (r *Registry) pushErrorLocked(projectID string, e RecentError) {
	ring := append(r.recentErrors[projectID], e)
	if len(ring) > recentErrorCap {
		ring = ring[len(ring)-recentErrorCap:]
	}
	r.recentErrors[projectID] = ring
}

func errorMessage(err error, message string) string {
	if message != "" {
		return message
	}
	return err.Error()
}
