package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/tracker"
)

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	data := IndexData{
		Provinces: provinceViews(s.tracker.Provinces(), snap.ProvinceIndex),
		Weeks:     weekViews(snap.Weeks, snap.WeekIndex),
		Current:   currentView(snap),
		State:     stateView(snap),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "index.html", data); err != nil {
		s.log.Error("template error", zap.Error(err))
	}
}

const recentErrorLimit = 5

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	health := HealthStatus{
		Status:  "ok",
		State:   snap.State.String(),
		Records: snap.Records,
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		health.FetchedAt = &t
	}
	if snap.Err != nil {
		health.LastError = snap.Err.Error()
	}

	switch {
	case snap.State == tracker.Failed:
		health.Status = "error"
	case snap.State == tracker.Ready && snap.Err != nil:
		health.Status = "degraded"
	case snap.State == tracker.Idle, snap.State == tracker.Loading && snap.Records == 0:
		health.Status = "starting"
	}

	if s.store != nil {
		if version, err := s.store.MigrationVersion(); err != nil {
			health.Errors = append(health.Errors, "schema version: "+err.Error())
		} else {
			health.SchemaVersion = version
		}

		days, err := s.store.GetIngestHealth(1)
		if err != nil {
			health.Errors = append(health.Errors, "ingest health: "+err.Error())
		}
		for _, d := range days {
			health.Ingest = append(health.Ingest, IngestDay{
				Date:    d.Date,
				Source:  d.Source,
				Runs:    d.TotalRuns,
				Success: d.SuccessRuns,
				Failed:  d.FailedRuns,
				Records: d.TotalRecords,
			})
		}

		runs, err := s.store.GetRecentIngestErrors(recentErrorLimit)
		if err != nil {
			health.Errors = append(health.Errors, "ingest runs: "+err.Error())
			health.Status = "error"
		}
		for _, run := range runs {
			health.RecentErrors = append(health.RecentErrors, IngestFailure{
				StartedAt: run.StartedAt,
				Outcome:   run.Outcome.String,
				Status:    run.HTTPStatus.Int64,
				Error:     run.ErrorMessage.String,
			})
		}
	}

	status := http.StatusOK
	if health.Status == "error" {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, health)
}
