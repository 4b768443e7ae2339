package server

import (
	"time"

	"github.com/pkazemian/personify/internal/store"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// AuthSignupRequest represents the signup payload.
type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthLoginRequest represents the login payload.
type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse carries a bearer token.
type TokenResponse struct {
	Token string `json:"token"`
}

// MeResponse returns the current authenticated user id.
type MeResponse struct {
	UserID string `json:"user_id"`
}

// ConnectRequest links or refreshes a platform connection.
type ConnectRequest struct {
	Platform       string                 `json:"platform"`
	AccessToken    string                 `json:"access_token"`
	TokenExpiresAt *time.Time             `json:"token_expires_at,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ConnectionResponse is one linked platform, token elided.
type ConnectionResponse struct {
	Platform  string    `json:"platform"`
	Status    string    `json:"status"`
	Connected bool      `json:"connected"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FeatureRequest lands one normalized behavioral feature.
type FeatureRequest struct {
	Platform      string                 `json:"platform"`
	FeatureType   string                 `json:"feature_type"`
	Value         float64                `json:"value"`
	RawValue      map[string]interface{} `json:"raw_value,omitempty"`
	ContributesTo string                 `json:"contributes_to,omitempty"`
}

// PersonalityResponse is the stored estimate view.
type PersonalityResponse struct {
	UserID      string             `json:"user_id"`
	Scores      map[string]float64 `json:"scores"`
	Confidence  map[string]float64 `json:"confidence"`
	Archetype   string             `json:"archetype,omitempty"`
	SignalCount int64              `json:"signal_count"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// PatternsResponse wraps a pattern listing.
type PatternsResponse struct {
	Patterns []store.UniquePattern `json:"patterns"`
	Count    int                   `json:"count"`
}

// RunSummaryResponse is one audit row in the run history listing.
type RunSummaryResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}
