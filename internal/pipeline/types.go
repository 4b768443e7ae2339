package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pkazemian/personify/internal/extract"
	"github.com/pkazemian/personify/internal/store"
	"github.com/pkazemian/personify/internal/traits"
)

// Stage is one step of the inference pipeline. Transitions are strictly
// forward; FAILED absorbs from any stage.
type Stage string

const (
	StageIdle               Stage = "IDLE"
	StageValidating         Stage = "VALIDATING"
	StageExtracting         Stage = "EXTRACTING"
	StageGeneratingEvidence Stage = "GENERATING_EVIDENCE"
	StageAggregating        Stage = "AGGREGATING"
	StageForming            Stage = "FORMING"
	StageRecording          Stage = "RECORDING"
	StageComplete           Stage = "COMPLETE"
	StageFailed             Stage = "FAILED"
)

// ErrConflict signals that another pipeline run is active for the user.
type ErrConflict struct {
	UserID       string
	CurrentStage Stage
	StartedAt    time.Time
}

func (e ErrConflict) Error() string {
	return fmt.Sprintf("pipeline already running for user %s (stage %s)", e.UserID, e.CurrentStage)
}

// ErrNoConnections signals that the user has zero usable platform
// connections. It is terminal but not exceptional.
type ErrNoConnections struct{ UserID string }

func (e ErrNoConnections) Error() string {
	return fmt.Sprintf("no connected platforms for user %s", e.UserID)
}

// ExtractionSummary reports per-platform fan-out results.
type ExtractionSummary struct {
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	Total      int              `json:"total"`
	Results    []extract.Result `json:"results,omitempty"`
}

// PersonalitySummary is the score snapshot returned to callers.
type PersonalitySummary struct {
	Scores       traits.Scores `json:"scores"`
	Confidence   traits.Scores `json:"confidence"`
	FeatureCount int64         `json:"feature_count"`
	Archetype    string        `json:"archetype,omitempty"`
}

// EvolutionSummary reports the evolution-recording outcome.
type EvolutionSummary struct {
	EvolutionDetected bool     `json:"evolution_detected"`
	Changes           []string `json:"changes,omitempty"`
}

// Result is the JSON-serializable outcome of one orchestration call.
type Result struct {
	Success       bool                   `json:"success"`
	PipelineID    string                 `json:"pipeline_id,omitempty"`
	DurationMS    int64                  `json:"duration_ms"`
	Message       string                 `json:"message,omitempty"`
	Twin          map[string]interface{} `json:"twin,omitempty"`
	Extraction    *ExtractionSummary     `json:"extraction,omitempty"`
	Personality   *PersonalitySummary    `json:"personality,omitempty"`
	Evolution     *EvolutionSummary      `json:"evolution,omitempty"`
	Error         string                 `json:"error,omitempty"`
	FailedAtStage Stage                  `json:"failed_at_stage,omitempty"`
	CurrentStage  Stage                  `json:"current_stage,omitempty"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
}

// Options tweaks a full pipeline run.
type Options struct {
	ForceRefresh bool
}

// Status describes an in-flight run.
type Status struct {
	PipelineID string    `json:"pipeline_id"`
	UserID     string    `json:"user_id"`
	Stage      Stage     `json:"stage"`
	StartedAt  time.Time `json:"started_at"`
}

// TwinResult is returned by the twin formation collaborator.
type TwinResult struct {
	Success bool                   `json:"success"`
	Twin    map[string]interface{} `json:"twin,omitempty"`
}

// TwinFormer regenerates the user's digital twin from a fresh estimate.
// Formation failure is fatal to the pipeline: a twin cannot be partially
// formed.
type TwinFormer interface {
	FormTwin(ctx context.Context, userID string, est store.PersonalityEstimate) (TwinResult, error)
}

// EvolutionResult is returned by the evolution collaborator.
type EvolutionResult struct {
	Success           bool     `json:"success"`
	EvolutionDetected bool     `json:"evolution_detected"`
	Changes           []string `json:"changes,omitempty"`
}

// EvolutionRecorder checks a fresh estimate against history for personality
// drift. Its failures never fail the pipeline.
type EvolutionRecorder interface {
	RecordEvolution(ctx context.Context, userID string, est store.PersonalityEstimate) (EvolutionResult, error)
}

// SnapshotTwinFormer is the built-in formation collaborator: it projects the
// estimate into a plain twin document. Narrative-generating formers replace
// it behind the TwinFormer interface.
type SnapshotTwinFormer struct{}

func (SnapshotTwinFormer) FormTwin(_ context.Context, userID string, est store.PersonalityEstimate) (TwinResult, error) {
	return TwinResult{
		Success: true,
		Twin: map[string]interface{}{
			"user_id":    userID,
			"scores":     est.Scores,
			"confidence": est.Confidence,
			"archetype":  est.ArchetypeCode,
			"signals":    est.TotalBehavioralSignals,
		},
	}, nil
}

// ThresholdEvolutionRecorder flags evolution when any dimension moved more
// than Delta points since the previous recorded snapshot.
type ThresholdEvolutionRecorder struct {
	Store *store.Store
	Delta float64
}

func (r *ThresholdEvolutionRecorder) RecordEvolution(ctx context.Context, userID string, est store.PersonalityEstimate) (EvolutionResult, error) {
	runs, err := r.Store.ListPipelineRuns(ctx, userID, 1)
	if err != nil {
		return EvolutionResult{}, err
	}
	delta := r.Delta
	if delta <= 0 {
		delta = 5
	}
	var changes []string
	if len(runs) > 0 {
		if prev, ok := runs[0].Summary["scores"].(map[string]interface{}); ok {
			for _, d := range traits.All {
				if old, ok := prev[string(d)].(float64); ok {
					if diff := est.Scores.Get(d) - old; diff >= delta || diff <= -delta {
						changes = append(changes, fmt.Sprintf("%s: %+.1f", d, diff))
					}
				}
			}
		}
	}
	return EvolutionResult{Success: true, EvolutionDetected: len(changes) > 0, Changes: changes}, nil
}
