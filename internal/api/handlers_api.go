package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/aggregate"
	"github.com/lox/covidcanada/internal/chart"
	"github.com/lox/covidcanada/internal/narrative"
	"github.com/lox/covidcanada/internal/tracker"
)

func (s *Server) handleAPIProvinces(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	s.writeJSON(w, http.StatusOK, provinceViews(s.tracker.Provinces(), snap.ProvinceIndex))
}

func (s *Server) handleAPIWeeks(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	s.writeJSON(w, http.StatusOK, WeeksResponse{
		Weeks:    weekViews(snap.Weeks, snap.WeekIndex),
		Selected: snap.WeekIndex,
	})
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, stateView(s.tracker.Snapshot()))
}

func (s *Server) handleAPICurrent(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	status := http.StatusOK
	if snap.SeriesErr != nil {
		status = errorStatus(snap.SeriesErr)
	} else if snap.ValuesErr != nil {
		status = errorStatus(snap.ValuesErr)
	}
	s.writeJSON(w, status, currentView(snap))
}

// handleAPISeries returns the chart dataset for ?province=N, defaulting to the
// selected province.
func (s *Server) handleAPISeries(w http.ResponseWriter, r *http.Request) {
	id := s.tracker.Snapshot().ProvinceIndex
	if q := r.URL.Query().Get("province"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "province must be an integer"})
			return
		}
		id = n
	}

	series, err := s.tracker.Series(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, chart.FromSeries(series))
}

func (s *Server) handleAPISelection(w http.ResponseWriter, r *http.Request) {
	var req SelectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid selection: " + err.Error()})
		return
	}
	if req.Province == nil && req.Week == nil {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "selection needs province or week"})
		return
	}

	// A misaligned series still moves the cursor; the current view reports it.
	var length *aggregate.SeriesLengthError
	if err := s.tracker.Select(req.Province, req.Week); err != nil && !errors.As(err, &length) {
		s.writeError(w, err)
		return
	}

	s.handleAPICurrent(w, r)
}

// handleAPIRender hands out the pending chart command once.
func (s *Server) handleAPIRender(w http.ResponseWriter, r *http.Request) {
	cmd, ok := s.tracker.Mailbox().Take()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, cmd)
}

func (s *Server) handleAPIRefresh(w http.ResponseWriter, r *http.Request) {
	// The load outlives the request.
	if _, err := s.tracker.Refresh(context.WithoutCancel(r.Context())); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("refresh requested", zap.String("remote", r.RemoteAddr))
	s.writeJSON(w, http.StatusAccepted, RefreshResponse{Status: tracker.Loading.String()})
}

func (s *Server) handleAPISummary(w http.ResponseWriter, r *http.Request) {
	in, err := s.summaryInput()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.narrator.Summarize(r.Context(), in))
}

func (s *Server) summaryInput() (narrative.Input, error) {
	snap := s.tracker.Snapshot()
	if snap.SeriesErr != nil {
		return narrative.Input{}, snap.SeriesErr
	}
	if snap.ValuesErr != nil {
		return narrative.Input{}, snap.ValuesErr
	}

	in := narrative.Input{
		Province:    snap.Province.Name,
		Week:        snap.Weeks[snap.WeekIndex],
		WeeklyCases: snap.Values.WeeklyCases,
		TotalCases:  snap.Values.TotalCases,
	}
	if snap.WeekIndex > 0 {
		series, err := s.tracker.Series(snap.ProvinceIndex)
		if err == nil && snap.WeekIndex-1 < len(series.WeeklyCounts) {
			in.HasPrevious = true
			in.PreviousWeekly = series.WeeklyCounts[snap.WeekIndex-1]
		}
	}
	return in, nil
}
