package extract

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkazemian/personify/internal/store"
)

// Result reports one platform extraction attempt.
type Result struct {
	Platform       string `json:"platform"`
	Success        bool   `json:"success"`
	ItemsExtracted int    `json:"items_extracted"`
	Error          string `json:"error,omitempty"`
}

// Extractor pulls raw platform data and lands it as normalized behavioral
// features. Implementations talk to the platform APIs; the pipeline only
// consumes their results.
type Extractor interface {
	ExtractPlatform(ctx context.Context, userID, platform string) (Result, error)
}

// StoreExtractor is the default extractor: it re-normalizes features already
// landed in the store instead of calling out to platform APIs. Real fetchers
// plug in behind the Extractor interface; this keeps the pipeline runnable
// end to end without any upstream credentials.
type StoreExtractor struct {
	Store  *store.Store
	Logger *log.Logger
}

func NewStoreExtractor(st *store.Store, logger *log.Logger) *StoreExtractor {
	if logger == nil {
		logger = log.New(log.Writer(), "[EXTRACT] ", log.LstdFlags)
	}
	return &StoreExtractor{Store: st, Logger: logger}
}

func (e *StoreExtractor) ExtractPlatform(ctx context.Context, userID, platform string) (Result, error) {
	jobID, err := e.Store.CreateExtractionJob(ctx, userID, platform)
	if err != nil {
		return Result{Platform: platform}, fmt.Errorf("creating extraction job: %w", err)
	}

	conns, err := e.Store.ListConnections(ctx, userID)
	if err != nil {
		e.finish(ctx, jobID, store.ExtractionJobFailed, 0, err.Error())
		return Result{Platform: platform, Error: err.Error()}, err
	}
	var conn *store.PlatformConnection
	for i := range conns {
		if conns[i].Platform == platform {
			conn = &conns[i]
			break
		}
	}
	if conn == nil {
		msg := fmt.Sprintf("platform %s not connected", platform)
		e.finish(ctx, jobID, store.ExtractionJobFailed, 0, msg)
		return Result{Platform: platform, Error: msg}, fmt.Errorf("%s", msg)
	}
	if !conn.Connected(time.Now()) {
		if err := e.Store.MarkConnectionExpired(ctx, userID, platform); err != nil {
			e.Logger.Printf("marking %s/%s expired: %v", userID, platform, err)
		}
		msg := "token expired - requires re-authentication"
		e.finish(ctx, jobID, store.ExtractionJobFailed, 0, msg)
		return Result{Platform: platform, Error: msg}, fmt.Errorf("%s", msg)
	}

	features, err := e.Store.ListFeaturesByPlatform(ctx, userID, platform)
	if err != nil {
		e.finish(ctx, jobID, store.ExtractionJobFailed, 0, err.Error())
		return Result{Platform: platform, Error: err.Error()}, err
	}

	e.finish(ctx, jobID, store.ExtractionJobCompleted, len(features), "")
	return Result{Platform: platform, Success: true, ItemsExtracted: len(features)}, nil
}

func (e *StoreExtractor) finish(ctx context.Context, jobID, status string, items int, errMsg string) {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	if err := e.Store.FinishExtractionJob(ctx, jobID, status, items, msg); err != nil {
		e.Logger.Printf("finishing extraction job %s: %v", jobID, err)
	}
}
