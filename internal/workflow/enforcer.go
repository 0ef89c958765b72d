// Package workflow enforces the ten-phase work protocol: strategize, spec,
// plan, think, gate, implement, verify, review, pr, monitor. Forward moves
// go one phase at a time; review rejections fall back to plan and failed
// verifications fall back to implement. The VERIFY boundary additionally
// screens submitted evidence for gaming.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/task"
)

var (
	// ErrPhaseNotAllowed means the requested move is not in the transition
	// table: neither the next forward phase nor a declared backtrack.
	ErrPhaseNotAllowed = errors.New("phase transition not allowed")

	// ErrPreconditionFailed means the boundary's required evidence is
	// missing or incomplete.
	ErrPreconditionFailed = errors.New("phase precondition not met")

	// ErrGamingDetected is returned in enforce mode when the evidence
	// submitted at the VERIFY boundary trips a gaming heuristic.
	ErrGamingDetected = errors.New("gaming detected in submitted evidence")
)

// Request asks to move a task across one phase boundary. The source phase
// is the task's current phase; the caller must hold its lease.
type Request struct {
	TaskID        string
	AgentID       string
	LeaseID       string
	To            task.Phase
	Evidence      Evidence
	CorrelationID string
}

// Result reports an accepted move.
type Result struct {
	Task      *task.Task
	Findings  []Finding // gaming findings allowed through in observe mode
	Backtrack bool
}

// Enforcer validates phase moves against the transition table, boundary
// preconditions, and the gaming heuristics, then persists accepted moves.
type Enforcer struct {
	store            persistence.Store
	bus              *events.Bus
	log              *logging.Logger
	mode             string
	minJustification int
}

// New creates an enforcer. The bus is optional; accepted and rejected
// attempts are mirrored onto it when present.
func New(store persistence.Store, bus *events.Bus, log *logging.Logger, cfg config.WorkflowConfig) *Enforcer {
	mode := cfg.GamingMode
	if mode == "" {
		mode = config.GamingModeObserve
	}
	return &Enforcer{
		store:            store,
		bus:              bus,
		log:              log.Named("workflow"),
		mode:             mode,
		minJustification: cfg.MinDeferralJustification,
	}
}

// Advance processes one phase-boundary request. Every attempt lands in the
// event log whether it is accepted or not. Accepted moves update the task's
// phase and attempt counter atomically with their audit event.
func (e *Enforcer) Advance(ctx context.Context, req Request) (*Result, error) {
	// A retried command returns the outcome of its first execution without
	// re-running the checks; the task has already moved, so the legality
	// check would refuse the replay.
	if req.CorrelationID != "" {
		data, found, err := e.store.LookupCommand(ctx, req.CorrelationID)
		if err != nil {
			return nil, err
		}
		if found && len(data) > 0 {
			var snap task.Task
			if err := json.Unmarshal(data, &snap); err != nil {
				return nil, fmt.Errorf("failed to decode replayed phase move: %w", err)
			}
			return &Result{Task: &snap}, nil
		}
	}

	t, err := e.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	from := t.CurrentPhase

	if !task.CanAdvance(from, req.To) {
		e.recordRejection(ctx, t, req, "transition not in table")
		return nil, fmt.Errorf("%w: %s -> %s", ErrPhaseNotAllowed, from, req.To)
	}

	lease, err := e.store.GetLease(ctx, req.TaskID, from)
	if err != nil {
		return nil, err
	}
	if lease == nil || lease.AgentID != req.AgentID || lease.LeaseID != req.LeaseID {
		e.recordRejection(ctx, t, req, "source phase lease not held")
		return nil, fmt.Errorf("%w: %s/%s", task.ErrLeaseNotHeld, req.TaskID, from)
	}

	backtrack := task.IsBacktrack(from, req.To)
	if !backtrack {
		if reason := checkPreconditions(from, req.To, req.Evidence); reason != "" {
			e.recordRejection(ctx, t, req, reason)
			return nil, fmt.Errorf("%w: %s", ErrPreconditionFailed, reason)
		}
	}

	var findings []Finding
	if from == task.PhaseVerify && req.To == task.PhaseReview {
		findings = detectGaming(req.Evidence, e.minJustification)
	}
	if len(findings) > 0 {
		e.recordGaming(ctx, t, req, findings)
		if e.mode == config.GamingModeEnforce {
			return nil, e.rejectForGaming(ctx, t, req, findings)
		}
		e.log.Warn("gaming findings allowed through in observe mode",
			zap.String("task", t.ID),
			zap.String("agent", req.AgentID),
			zap.Int("findings", len(findings)),
			zap.String("first", findings[0].String()),
		)
	}

	attempt := t.Attempt
	evType := task.EventPhaseAdvanced
	payload := map[string]any{
		"from":    string(from),
		"to":      string(req.To),
		"attempt": attempt,
	}
	if backtrack {
		attempt++
		evType = task.EventPhaseRejected
		payload["attempt"] = attempt
		payload["reason"] = "backtrack"
	}

	ev := task.Event{
		Type:          evType,
		TaskID:        req.TaskID,
		AgentID:       req.AgentID,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	}
	meta := persistence.Meta{AgentID: req.AgentID, CorrelationID: req.CorrelationID}
	updated, err := e.store.UpdatePhase(ctx, req.TaskID, req.To, attempt, ev, meta)
	if err != nil {
		return nil, err
	}
	e.publish(ev)

	if backtrack && from == task.PhaseVerify {
		e.recordVerificationFailure(ctx, t, req, attempt)
	}
	e.recordQuality(ctx, req, from, backtrack, req.CorrelationID)

	e.log.Info("phase moved",
		zap.String("task", t.ID),
		zap.String("from", string(from)),
		zap.String("to", string(req.To)),
		zap.Int("attempt", attempt),
		zap.Bool("backtrack", backtrack),
	)

	return &Result{Task: updated, Findings: findings, Backtrack: backtrack}, nil
}

// checkPreconditions returns why a forward move is not yet allowed, or ""
// when the boundary's evidence is complete.
func checkPreconditions(from, to task.Phase, ev Evidence) string {
	switch {
	case from == task.PhaseGate:
		if ev.FilesChanged > 1 && ev.DesignRef == "" {
			return fmt.Sprintf("change touches %d files but no design reference was submitted", ev.FilesChanged)
		}
	case from == task.PhaseVerify && to == task.PhaseReview:
		if ev.CoverageDelta == nil {
			return "coverage delta not populated"
		}
		if len(ev.GateResults) == 0 {
			return "no gate results submitted"
		}
	}
	return ""
}

// rejectForGaming routes the task back to the verification backtrack target
// with a bumped attempt, exactly as a failed verification would.
func (e *Enforcer) rejectForGaming(ctx context.Context, t *task.Task, req Request, findings []Finding) error {
	target, ok := task.BacktrackTarget(t.CurrentPhase)
	if !ok {
		return fmt.Errorf("%w: %s", ErrGamingDetected, joinFindingCodes(findings))
	}

	// The reroute consumes a derived id, not the caller's: the command as
	// a whole failed, and storing the rerouted snapshot under the caller's
	// id would make a retry look like an accepted move.
	rerouteID := req.CorrelationID
	if rerouteID != "" {
		rerouteID += ":gaming_reroute"
	}

	attempt := t.Attempt + 1
	ev := task.Event{
		Type:          task.EventPhaseRejected,
		TaskID:        req.TaskID,
		AgentID:       req.AgentID,
		CorrelationID: rerouteID,
		Payload: map[string]any{
			"from":    string(t.CurrentPhase),
			"to":      string(target),
			"attempt": attempt,
			"reason":  "gaming_detected",
		},
	}
	meta := persistence.Meta{AgentID: req.AgentID, CorrelationID: rerouteID}
	if _, err := e.store.UpdatePhase(ctx, req.TaskID, target, attempt, ev, meta); err != nil {
		return err
	}
	e.publish(ev)
	e.recordVerificationFailure(ctx, t, req, attempt)
	e.recordQuality(ctx, req, t.CurrentPhase, true, rerouteID)

	e.log.Warn("phase move rejected for gaming",
		zap.String("task", t.ID),
		zap.String("agent", req.AgentID),
		zap.String("routed_to", string(target)),
		zap.Int("attempt", attempt),
		zap.Int("findings", len(findings)),
	)

	return fmt.Errorf("%w: %s", ErrGamingDetected, joinFindingCodes(findings))
}

// recordRejection logs a refused attempt that changed nothing.
func (e *Enforcer) recordRejection(ctx context.Context, t *task.Task, req Request, reason string) {
	ev := task.Event{
		Type:          task.EventPhaseRejected,
		TaskID:        req.TaskID,
		AgentID:       req.AgentID,
		CorrelationID: req.CorrelationID,
		Payload: map[string]any{
			"from":    string(t.CurrentPhase),
			"to":      string(req.To),
			"attempt": t.Attempt,
			"reason":  reason,
			"applied": false,
		},
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("failed to record rejected attempt", zap.String("task", t.ID), zap.Error(err))
		return
	}
	e.publish(ev)
}

func (e *Enforcer) recordGaming(ctx context.Context, t *task.Task, req Request, findings []Finding) {
	details := make([]string, len(findings))
	for i, f := range findings {
		details[i] = f.String()
	}
	ev := task.Event{
		Type:          task.EventGamingDetected,
		TaskID:        req.TaskID,
		AgentID:       req.AgentID,
		CorrelationID: req.CorrelationID,
		Payload: map[string]any{
			"mode":     e.mode,
			"attempt":  t.Attempt,
			"findings": details,
		},
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("failed to record gaming findings", zap.String("task", t.ID), zap.Error(err))
		return
	}
	e.publish(ev)
}

// recordQuality turns the outcome of the two trust boundaries into points
// on the task's quality series: the share of passing gate results when
// leaving VERIFY, approval or rejection when leaving REVIEW. Other phase
// moves carry no quality signal.
func (e *Enforcer) recordQuality(ctx context.Context, req Request, from task.Phase, rejected bool, cid string) {
	m := task.QualityMetric{TaskID: req.TaskID}
	switch from {
	case task.PhaseVerify:
		m.Dimension = "verification"
		if !rejected {
			m.Score = gatePassRate(req.Evidence.GateResults)
			if req.Evidence.CoverageDelta != nil {
				m.Details = fmt.Sprintf("coverage delta %+.2f", *req.Evidence.CoverageDelta)
			}
		}
	case task.PhaseReview:
		m.Dimension = "review"
		if !rejected {
			m.Score = 1
		}
	default:
		return
	}

	// Derived id: the phase move already claimed the caller's.
	if cid != "" {
		cid += ":quality"
	}
	meta := persistence.Meta{AgentID: req.AgentID, CorrelationID: cid}
	if err := e.store.RecordQualityMetric(ctx, m, meta); err != nil {
		e.log.Error("failed to record quality metric", zap.String("task", req.TaskID), zap.Error(err))
	}
}

func gatePassRate(results []GateResult) float64 {
	if len(results) == 0 {
		return 0
	}
	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	return float64(passed) / float64(len(results))
}

func (e *Enforcer) recordVerificationFailure(ctx context.Context, t *task.Task, req Request, attempt int) {
	ev := task.Event{
		Type:    task.EventVerificationFailed,
		TaskID:  req.TaskID,
		AgentID: req.AgentID,
		Payload: map[string]any{
			"attempt": attempt,
		},
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		e.log.Error("failed to record verification failure", zap.String("task", t.ID), zap.Error(err))
		return
	}
	e.publish(ev)
}

func (e *Enforcer) publish(ev task.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func joinFindingCodes(findings []Finding) string {
	codes := make([]string, len(findings))
	for i, f := range findings {
		codes[i] = f.Code
	}
	return strings.Join(codes, ", ")
}
