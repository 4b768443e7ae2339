package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/pkazemian/personify/internal/traits"
)

type Store struct {
	DB *sql.DB
}

// Extraction job statuses.
const (
	ExtractionJobRunning   = "running"
	ExtractionJobCompleted = "completed"
	ExtractionJobFailed    = "failed"
)

// Pattern types persisted in unique_patterns.
const (
	PatternExtremeFeature  = "extreme_feature"
	PatternCrossPlatform   = "cross_platform_consistency"
	PatternRareCombination = "rare_combination"
)

// PersonalityEstimate is the single durable trait profile row per user.
type PersonalityEstimate struct {
	UserID                   string
	Scores                   traits.Scores
	Confidence               traits.Scores
	QuestionnaireScoreWeight float64
	BehavioralScoreWeight    float64
	TotalBehavioralSignals   int64
	ArchetypeCode            string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// BehavioralFeature is one normalized feature observation, immutable once
// written.
type BehavioralFeature struct {
	ID            string
	UserID        string
	Platform      string
	FeatureType   string
	Value         float64
	RawValue      map[string]interface{}
	ContributesTo *traits.Dimension
	CreatedAt     time.Time
}

// UniquePattern is a detected distinctive behavioral pattern, upserted by
// (user_id, pattern_type, pattern_name).
type UniquePattern struct {
	UserID               string                 `json:"user_id"`
	PatternType          string                 `json:"pattern_type"`
	PatternName          string                 `json:"pattern_name"`
	Description          string                 `json:"description"`
	UserValue            float64                `json:"user_value"`
	PopulationPercentile float64                `json:"population_percentile"`
	UniquenessScore      float64                `json:"uniqueness_score"`
	IsDefining           bool                   `json:"is_defining"`
	Evidence             map[string]interface{} `json:"evidence,omitempty"`
	UpdatedAt            time.Time              `json:"updated_at"`
}

// PipelineRunRecord is the audit row persisted once per orchestration.
type PipelineRunRecord struct {
	ID              string
	UserID          string
	Status          string
	FailedStage     string
	Error           string
	StageTimestamps map[string]time.Time
	Summary         map[string]interface{}
	StartedAt       time.Time
	FinishedAt      time.Time
}

// PlatformConnection describes a linked third-party account.
type PlatformConnection struct {
	UserID         string
	Platform       string
	AccessToken    *string
	TokenExpiresAt *time.Time
	Status         string
	Metadata       map[string]interface{}
	UpdatedAt      time.Time
}

// Connected reports whether the connection is usable at the given instant:
// a non-null token and no expiry in the past.
func (c PlatformConnection) Connected(now time.Time) bool {
	if c.AccessToken == nil || *c.AccessToken == "" {
		return false
	}
	if c.TokenExpiresAt != nil && c.TokenExpiresAt.Before(now) {
		return false
	}
	return true
}

// ExtractionJob tracks one platform extraction attempt.
type ExtractionJob struct {
	ID             string
	UserID         string
	Platform       string
	Status         string
	ItemsExtracted int
	Error          string
	StartedAt      time.Time
	CompletedAt    *time.Time
}

// PopulationBaseline is the (mean, stddev) reference distribution for one
// (platform, feature_type) pair.
type PopulationBaseline struct {
	Platform    string
	FeatureType string
	Mean        float64
	StdDev      float64
	SampleSize  int
}

// UserSchedule pairs a user with their refresh cron expression.
type UserSchedule struct {
	UserID      string
	RefreshCron string
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// ---- users ----

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

func (s *Store) ListUserSchedules(ctx context.Context) ([]UserSchedule, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, refresh_cron FROM users WHERE refresh_cron IS NOT NULL AND refresh_cron <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserSchedule
	for rows.Next() {
		var u UserSchedule
		if err := rows.Scan(&u.UserID, &u.RefreshCron); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ---- platform connections ----

func (s *Store) ListConnections(ctx context.Context, userID string) ([]PlatformConnection, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT user_id, platform, access_token, token_expires_at, status, metadata, updated_at
FROM platform_connections
WHERE user_id=$1
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PlatformConnection
	for rows.Next() {
		var c PlatformConnection
		var metaBytes []byte
		if err := rows.Scan(&c.UserID, &c.Platform, &c.AccessToken, &c.TokenExpiresAt, &c.Status, &metaBytes, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &c.Metadata)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertConnection(ctx context.Context, c PlatformConnection) error {
	if c.UserID == "" || c.Platform == "" {
		return fmt.Errorf("user_id and platform must be provided")
	}
	meta := c.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal connection metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO platform_connections (user_id, platform, access_token, token_expires_at, status, metadata, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
ON CONFLICT (user_id, platform) DO UPDATE SET
  access_token     = EXCLUDED.access_token,
  token_expires_at = EXCLUDED.token_expires_at,
  status           = EXCLUDED.status,
  metadata         = EXCLUDED.metadata,
  updated_at       = NOW();
`, c.UserID, c.Platform, c.AccessToken, c.TokenExpiresAt, c.Status, metaBytes)
	return err
}

// MarkConnectionExpired flags a connection as needing re-authentication.
func (s *Store) MarkConnectionExpired(ctx context.Context, userID, platform string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE platform_connections
SET status='token_expired',
    metadata = metadata || jsonb_build_object('token_expired', true, 'expired_at', NOW()),
    updated_at=NOW()
WHERE user_id=$1 AND platform=$2
`, userID, platform)
	return err
}

// ---- behavioral features ----

func (s *Store) InsertFeature(ctx context.Context, f BehavioralFeature) (BehavioralFeature, error) {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	raw := f.RawValue
	if raw == nil {
		raw = map[string]interface{}{}
	}
	rawBytes, err := json.Marshal(raw)
	if err != nil {
		return BehavioralFeature{}, fmt.Errorf("marshal raw value: %w", err)
	}
	var contributes *string
	if f.ContributesTo != nil {
		d := string(*f.ContributesTo)
		contributes = &d
	}
	err = s.DB.QueryRowContext(ctx, `
INSERT INTO behavioral_features (id, user_id, platform, feature_type, value, raw_value, contributes_to, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
RETURNING created_at
`, f.ID, f.UserID, f.Platform, f.FeatureType, f.Value, rawBytes, contributes).Scan(&f.CreatedAt)
	if err != nil {
		return BehavioralFeature{}, err
	}
	return f, nil
}

func (s *Store) ListFeatures(ctx context.Context, userID string) ([]BehavioralFeature, error) {
	return s.listFeatures(ctx, `
SELECT id, user_id, platform, feature_type, value, raw_value, contributes_to, created_at
FROM behavioral_features
WHERE user_id=$1
ORDER BY created_at ASC
`, userID)
}

func (s *Store) ListFeaturesByPlatform(ctx context.Context, userID, platform string) ([]BehavioralFeature, error) {
	return s.listFeatures(ctx, `
SELECT id, user_id, platform, feature_type, value, raw_value, contributes_to, created_at
FROM behavioral_features
WHERE user_id=$1 AND platform=$2
ORDER BY created_at ASC
`, userID, platform)
}

func (s *Store) listFeatures(ctx context.Context, query string, args ...interface{}) ([]BehavioralFeature, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BehavioralFeature
	for rows.Next() {
		var f BehavioralFeature
		var rawBytes []byte
		var contributes *string
		if err := rows.Scan(&f.ID, &f.UserID, &f.Platform, &f.FeatureType, &f.Value, &rawBytes, &contributes, &f.CreatedAt); err != nil {
			return nil, err
		}
		if len(rawBytes) > 0 {
			_ = json.Unmarshal(rawBytes, &f.RawValue)
		}
		if contributes != nil {
			if d, err := traits.Parse(*contributes); err == nil {
				f.ContributesTo = &d
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// LatestFeatureValues collapses a user's feature history into the most recent
// normalized value per (platform, feature_type).
func (s *Store) LatestFeatureValues(ctx context.Context, userID string) (map[string]map[string]float64, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT DISTINCT ON (platform, feature_type) platform, feature_type, value
FROM behavioral_features
WHERE user_id=$1
ORDER BY platform, feature_type, created_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]map[string]float64)
	for rows.Next() {
		var platform, feature string
		var value float64
		if err := rows.Scan(&platform, &feature, &value); err != nil {
			return nil, err
		}
		if out[platform] == nil {
			out[platform] = make(map[string]float64)
		}
		out[platform][feature] = value
	}
	return out, rows.Err()
}

// ---- personality estimates ----

func (s *Store) GetEstimate(ctx context.Context, userID string) (PersonalityEstimate, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT user_id, openness, conscientiousness, extraversion, agreeableness, neuroticism,
       openness_confidence, conscientiousness_confidence, extraversion_confidence,
       agreeableness_confidence, neuroticism_confidence,
       questionnaire_score_weight, behavioral_score_weight, total_behavioral_signals,
       archetype_code, created_at, updated_at
FROM personality_estimates
WHERE user_id=$1
`, userID)
	var e PersonalityEstimate
	e.Scores = make(traits.Scores, 5)
	e.Confidence = make(traits.Scores, 5)
	var o, c, ex, a, n float64
	var oc, cc, exc, ac, nc float64
	err := row.Scan(&e.UserID, &o, &c, &ex, &a, &n, &oc, &cc, &exc, &ac, &nc,
		&e.QuestionnaireScoreWeight, &e.BehavioralScoreWeight, &e.TotalBehavioralSignals,
		&e.ArchetypeCode, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return PersonalityEstimate{}, false, nil
	}
	if err != nil {
		return PersonalityEstimate{}, false, err
	}
	e.Scores[traits.Openness] = o
	e.Scores[traits.Conscientiousness] = c
	e.Scores[traits.Extraversion] = ex
	e.Scores[traits.Agreeableness] = a
	e.Scores[traits.Neuroticism] = n
	e.Confidence[traits.Openness] = oc
	e.Confidence[traits.Conscientiousness] = cc
	e.Confidence[traits.Extraversion] = exc
	e.Confidence[traits.Agreeableness] = ac
	e.Confidence[traits.Neuroticism] = nc
	return e, true, nil
}

// UpsertEstimate writes the full estimate row keyed by user_id. The
// behavioral score weight column only ever grows.
func (s *Store) UpsertEstimate(ctx context.Context, e PersonalityEstimate) error {
	if e.UserID == "" {
		return fmt.Errorf("user_id must be provided")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO personality_estimates (
  user_id, openness, conscientiousness, extraversion, agreeableness, neuroticism,
  openness_confidence, conscientiousness_confidence, extraversion_confidence,
  agreeableness_confidence, neuroticism_confidence,
  questionnaire_score_weight, behavioral_score_weight, total_behavioral_signals,
  archetype_code, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW(),NOW())
ON CONFLICT (user_id) DO UPDATE SET
  openness                     = EXCLUDED.openness,
  conscientiousness            = EXCLUDED.conscientiousness,
  extraversion                 = EXCLUDED.extraversion,
  agreeableness                = EXCLUDED.agreeableness,
  neuroticism                  = EXCLUDED.neuroticism,
  openness_confidence          = EXCLUDED.openness_confidence,
  conscientiousness_confidence = EXCLUDED.conscientiousness_confidence,
  extraversion_confidence      = EXCLUDED.extraversion_confidence,
  agreeableness_confidence     = EXCLUDED.agreeableness_confidence,
  neuroticism_confidence       = EXCLUDED.neuroticism_confidence,
  questionnaire_score_weight   = EXCLUDED.questionnaire_score_weight,
  behavioral_score_weight      = GREATEST(personality_estimates.behavioral_score_weight, EXCLUDED.behavioral_score_weight),
  total_behavioral_signals     = EXCLUDED.total_behavioral_signals,
  archetype_code               = EXCLUDED.archetype_code,
  updated_at                   = NOW();
`, e.UserID,
		e.Scores.Get(traits.Openness), e.Scores.Get(traits.Conscientiousness), e.Scores.Get(traits.Extraversion),
		e.Scores.Get(traits.Agreeableness), e.Scores.Get(traits.Neuroticism),
		e.Confidence[traits.Openness], e.Confidence[traits.Conscientiousness], e.Confidence[traits.Extraversion],
		e.Confidence[traits.Agreeableness], e.Confidence[traits.Neuroticism],
		e.QuestionnaireScoreWeight, e.BehavioralScoreWeight, e.TotalBehavioralSignals, e.ArchetypeCode)
	return err
}

// ---- unique patterns ----

func (s *Store) UpsertPattern(ctx context.Context, p UniquePattern) error {
	if p.UserID == "" || p.PatternType == "" || p.PatternName == "" {
		return fmt.Errorf("user_id, pattern_type and pattern_name must be provided")
	}
	ev := p.Evidence
	if ev == nil {
		ev = map[string]interface{}{}
	}
	evBytes, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal pattern evidence: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO unique_patterns (user_id, pattern_type, pattern_name, description, user_value,
  population_percentile, uniqueness_score, is_defining, evidence, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW(),NOW())
ON CONFLICT (user_id, pattern_type, pattern_name) DO UPDATE SET
  description           = EXCLUDED.description,
  user_value            = EXCLUDED.user_value,
  population_percentile = EXCLUDED.population_percentile,
  uniqueness_score      = EXCLUDED.uniqueness_score,
  is_defining           = EXCLUDED.is_defining,
  evidence              = EXCLUDED.evidence,
  updated_at            = NOW();
`, p.UserID, p.PatternType, p.PatternName, p.Description, p.UserValue,
		p.PopulationPercentile, p.UniquenessScore, p.IsDefining, evBytes)
	return err
}

func (s *Store) ListPatterns(ctx context.Context, userID string) ([]UniquePattern, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT user_id, pattern_type, pattern_name, description, user_value,
       population_percentile, uniqueness_score, is_defining, evidence, updated_at
FROM unique_patterns
WHERE user_id=$1
ORDER BY uniqueness_score DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UniquePattern
	for rows.Next() {
		var p UniquePattern
		var evBytes []byte
		if err := rows.Scan(&p.UserID, &p.PatternType, &p.PatternName, &p.Description, &p.UserValue,
			&p.PopulationPercentile, &p.UniquenessScore, &p.IsDefining, &evBytes, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if len(evBytes) > 0 {
			_ = json.Unmarshal(evBytes, &p.Evidence)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ---- pipeline runs (audit) ----

func (s *Store) InsertPipelineRun(ctx context.Context, rec PipelineRunRecord) error {
	if rec.ID == "" || rec.UserID == "" {
		return fmt.Errorf("id and user_id must be provided")
	}
	stampBytes, err := json.Marshal(rec.StageTimestamps)
	if err != nil {
		return fmt.Errorf("marshal stage timestamps: %w", err)
	}
	summary := rec.Summary
	if summary == nil {
		summary = map[string]interface{}{}
	}
	summaryBytes, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal run summary: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO pipeline_runs (id, user_id, status, failed_stage, error, stage_timestamps, summary, started_at, finished_at, duration_ms)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, rec.ID, rec.UserID, rec.Status, nullIfEmpty(rec.FailedStage), nullIfEmpty(rec.Error),
		stampBytes, summaryBytes, rec.StartedAt, rec.FinishedAt,
		rec.FinishedAt.Sub(rec.StartedAt).Milliseconds())
	return err
}

func (s *Store) ListPipelineRuns(ctx context.Context, userID string, limit int) ([]PipelineRunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, user_id, status, COALESCE(failed_stage,''), COALESCE(error,''), stage_timestamps, summary, started_at, finished_at
FROM pipeline_runs
WHERE user_id=$1
ORDER BY started_at DESC
LIMIT $2
`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PipelineRunRecord
	for rows.Next() {
		var rec PipelineRunRecord
		var stampBytes, summaryBytes []byte
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Status, &rec.FailedStage, &rec.Error,
			&stampBytes, &summaryBytes, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		if len(stampBytes) > 0 {
			_ = json.Unmarshal(stampBytes, &rec.StageTimestamps)
		}
		if len(summaryBytes) > 0 {
			_ = json.Unmarshal(summaryBytes, &rec.Summary)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- extraction jobs ----

func (s *Store) CreateExtractionJob(ctx context.Context, userID, platform string) (string, error) {
	id := uuid.NewString()
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO extraction_jobs (id, user_id, platform, status, started_at)
VALUES ($1,$2,$3,$4,NOW())
`, id, userID, platform, ExtractionJobRunning)
	return id, err
}

func (s *Store) FinishExtractionJob(ctx context.Context, jobID, status string, itemsExtracted int, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE extraction_jobs SET status=$2, items_extracted=$3, error=$4, completed_at=NOW() WHERE id=$1
`, jobID, status, itemsExtracted, errMsg)
	return err
}

// ---- population baselines ----

func (s *Store) GetBaseline(ctx context.Context, platform, featureType string) (PopulationBaseline, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
SELECT platform, feature_type, mean, stddev, sample_size
FROM population_baselines
WHERE platform=$1 AND feature_type=$2
`, platform, featureType)
	var b PopulationBaseline
	err := row.Scan(&b.Platform, &b.FeatureType, &b.Mean, &b.StdDev, &b.SampleSize)
	if err == sql.ErrNoRows {
		return PopulationBaseline{}, false, nil
	}
	if err != nil {
		return PopulationBaseline{}, false, err
	}
	return b, true, nil
}

func (s *Store) ListBaselines(ctx context.Context) ([]PopulationBaseline, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT platform, feature_type, mean, stddev, sample_size FROM population_baselines
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PopulationBaseline
	for rows.Next() {
		var b PopulationBaseline
		if err := rows.Scan(&b.Platform, &b.FeatureType, &b.Mean, &b.StdDev, &b.SampleSize); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
