package ingest

import (
	"context"
	"database/sql"
	"errors"

	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/models"
	"github.com/lox/covidcanada/internal/store"
)

const sourceName = "phac"

// Loader fetches the feed and records an audit trail for every attempt.
// It satisfies tracker.Source.
type Loader struct {
	client *Client
	store  *store.Store
	log    *zap.Logger
}

func NewLoader(client *Client, st *store.Store, log *zap.Logger) *Loader {
	return &Loader{client: client, store: st, log: log.Named("ingest")}
}

func (l *Loader) Load(ctx context.Context) ([]models.CaseRecord, error) {
	endpoint := l.client.URL()

	var run *store.IngestRun
	if l.store != nil {
		var err error
		run, err = l.store.StartIngestRun(sourceName, endpoint)
		if err != nil {
			l.log.Warn("start ingest run", zap.Error(err))
		}
	}

	records, result, err := l.client.FetchCases(ctx)
	outcome := Outcome(err)
	if err == nil && len(records) == 0 {
		outcome = "empty"
	}

	if run != nil {
		run.Success = err == nil
		run.Outcome = sql.NullString{String: outcome, Valid: true}
		if result != nil {
			run.HTTPStatus = sql.NullInt64{Int64: int64(result.HTTPStatus), Valid: result.HTTPStatus > 0}
			run.ResponseSizeBytes = sql.NullInt64{Int64: int64(result.ResponseSize), Valid: result.ResponseSize > 0}
			run.RecordsParsed = sql.NullInt64{Int64: int64(result.RecordCount), Valid: err == nil}
		}
		if err != nil {
			run.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
	}

	if result != nil && len(result.Body) > 0 && run != nil {
		id, err := l.store.StoreRawPayload(&run.ID, sourceName, endpoint, result.Body)
		if err != nil {
			l.log.Warn("store raw payload", zap.Error(err))
		} else if id > 0 {
			l.log.Debug("archived payload", zap.Int64("payload_id", id),
				zap.String("hash", store.PayloadHash(result.Body)))
		}
	}

	if run != nil {
		if err := l.store.CompleteIngestRun(run); err != nil {
			l.log.Warn("complete ingest run", zap.Error(err))
		}
	}

	var netErr *NetworkError
	var decErr *DecodeError
	switch {
	case errors.As(err, &netErr):
		l.log.Warn("fetch failed", zap.String("outcome", outcome), zap.Int("status", netErr.Status), zap.Error(err))
	case errors.As(err, &decErr):
		size := 0
		if result != nil {
			size = result.ResponseSize
		}
		l.log.Warn("fetch failed", zap.String("outcome", outcome), zap.Int("bytes", size), zap.Error(err))
	case err != nil:
		l.log.Warn("fetch failed", zap.Error(err))
	default:
		l.log.Info("fetched cases", zap.Int("records", len(records)), zap.Int("bytes", result.ResponseSize))
	}

	return records, err
}
