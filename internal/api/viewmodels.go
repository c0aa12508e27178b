package api

import (
	"time"

	"github.com/lox/covidcanada/internal/aggregate"
	"github.com/lox/covidcanada/internal/models"
	"github.com/lox/covidcanada/internal/tracker"
)

// failedMessage is shown for every load failure, whatever its cause.
const failedMessage = "Failed to load data"

type ErrorResponse struct {
	Error string `json:"error"`
}

type ProvinceView struct {
	models.Province
	Selected bool `json:"selected"`
}

type WeekView struct {
	Index    int    `json:"index"`
	Label    string `json:"label"`
	Selected bool   `json:"selected"`
}

type WeeksResponse struct {
	Weeks    []WeekView `json:"weeks"`
	Selected int        `json:"selected"`
}

type StateView struct {
	State     string     `json:"state"`
	Message   string     `json:"message,omitempty"`
	Error     string     `json:"error,omitempty"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	Records   int        `json:"records"`
	Weeks     int        `json:"weeks"`
}

type CurrentView struct {
	State         string            `json:"state"`
	Province      models.Province   `json:"province"`
	ProvinceIndex int               `json:"province_index"`
	Week          string            `json:"week,omitempty"`
	WeekIndex     int               `json:"week_index"`
	Values        *aggregate.Values `json:"values,omitempty"`
	Error         string            `json:"error,omitempty"`
}

type SelectionRequest struct {
	Province *int `json:"province"`
	Week     *int `json:"week"`
}

type RefreshResponse struct {
	Status string `json:"status"`
}

// IndexData is the page model for index.html.
type IndexData struct {
	Provinces []ProvinceView
	Weeks     []WeekView
	Current   CurrentView
	State     StateView
}

// HealthStatus represents the health check response.
type HealthStatus struct {
	Status        string          `json:"status"`
	State         string          `json:"state"`
	Records       int             `json:"records"`
	FetchedAt     *time.Time      `json:"fetched_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	SchemaVersion int             `json:"schema_version,omitempty"`
	Ingest        []IngestDay     `json:"ingest,omitempty"`
	RecentErrors  []IngestFailure `json:"recent_errors,omitempty"`
	Errors        []string        `json:"errors,omitempty"`
}

// IngestDay summarises one day of fetch attempts.
type IngestDay struct {
	Date    string `json:"date"`
	Source  string `json:"source"`
	Runs    int    `json:"runs"`
	Success int    `json:"success"`
	Failed  int    `json:"failed"`
	Records int64  `json:"records"`
}

type IngestFailure struct {
	StartedAt time.Time `json:"started_at"`
	Outcome   string    `json:"outcome"`
	Status    int64     `json:"http_status,omitempty"`
	Error     string    `json:"error"`
}

func stateView(snap tracker.Snapshot) StateView {
	v := StateView{
		State:   snap.State.String(),
		Records: snap.Records,
		Weeks:   len(snap.Weeks),
	}
	if snap.State == tracker.Failed {
		v.Message = failedMessage
	}
	if snap.Err != nil {
		v.Error = snap.Err.Error()
	}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		v.FetchedAt = &t
	}
	return v
}

func currentView(snap tracker.Snapshot) CurrentView {
	v := CurrentView{
		State:         snap.State.String(),
		Province:      snap.Province,
		ProvinceIndex: snap.ProvinceIndex,
		WeekIndex:     snap.WeekIndex,
		Values:        snap.Values,
	}
	if snap.WeekIndex >= 0 && snap.WeekIndex < len(snap.Weeks) {
		v.Week = snap.Weeks[snap.WeekIndex]
	}
	switch {
	case snap.SeriesErr != nil:
		v.Error = snap.SeriesErr.Error()
	case snap.ValuesErr != nil:
		v.Error = snap.ValuesErr.Error()
	}
	return v
}

func provinceViews(table models.ProvinceTable, selected int) []ProvinceView {
	views := make([]ProvinceView, 0, len(table))
	for _, p := range table {
		views = append(views, ProvinceView{Province: p, Selected: p.ID == selected})
	}
	return views
}

func weekViews(weeks models.WeekAxis, selected int) []WeekView {
	views := make([]WeekView, 0, len(weeks))
	for i, w := range weeks {
		views = append(views, WeekView{Index: i, Label: w, Selected: i == selected})
	}
	return views
}
