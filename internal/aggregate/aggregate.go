// Package aggregate turns the flat case feed into per-province weekly series
// aligned on a uniform week axis.
package aggregate

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/lox/covidcanada/internal/models"
)

const week = 7 * 24 * time.Hour

var ErrEmptyDataset = errors.New("empty dataset")

// DateError reports a record date that does not match models.DateLayout.
type DateError struct {
	Value string
	Err   error
}

func (e *DateError) Error() string {
	return fmt.Sprintf("parse date %q: %v", e.Value, e.Err)
}

func (e *DateError) Unwrap() error { return e.Err }

// IndexError reports a selection cursor outside the current series or axis.
type IndexError struct {
	What  string // "week" or "province"
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("%s index %d out of range [0,%d)", e.What, e.Index, e.Len)
}

// SeriesLengthError reports a province series that does not line up with the week axis.
type SeriesLengthError struct {
	Province string
	Got      int
	Want     int
}

func (e *SeriesLengthError) Error() string {
	return fmt.Sprintf("%s: %d weekly records, week axis has %d", e.Province, e.Got, e.Want)
}

type ProvinceSeries []models.CaseRecord

type Series struct {
	Weeks        []string
	WeeklyCounts []int
}

type Values struct {
	WeeklyCases int `json:"weekly_cases"`
	TotalCases  int `json:"total_cases"`
}

type Aggregator struct {
	provinces models.ProvinceTable
}

func New(provinces models.ProvinceTable) *Aggregator {
	return &Aggregator{provinces: provinces}
}

func (a *Aggregator) Provinces() models.ProvinceTable {
	return a.provinces
}

// BuildWeekAxis spans the earliest to the latest record date at 7-day steps.
// The records are not modified.
func (a *Aggregator) BuildWeekAxis(records []models.CaseRecord) (models.WeekAxis, error) {
	if len(records) == 0 {
		return nil, ErrEmptyDataset
	}

	sorted := make([]models.CaseRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	first, err := parseDate(sorted[0].Date)
	if err != nil {
		return nil, err
	}
	last, err := parseDate(sorted[len(sorted)-1].Date)
	if err != nil {
		return nil, err
	}

	count := WeekCount(first, last)
	axis := make(models.WeekAxis, count)
	for i := range axis {
		axis[i] = first.Add(time.Duration(i) * week).Format(models.DateLayout)
	}
	return axis, nil
}

// WeekCount is round((last-first)/7d) + 1 with halves rounded up.
func WeekCount(first, last time.Time) int {
	weeks := last.Sub(first).Seconds() / week.Seconds()
	return int(math.Floor(weeks+0.5)) + 1
}

// SelectProvince filters records by the table name for id. Unknown ids yield an empty series.
func (a *Aggregator) SelectProvince(records []models.CaseRecord, id int) ProvinceSeries {
	p, ok := a.provinces.Lookup(id)
	if !ok {
		return ProvinceSeries{}
	}
	series := ProvinceSeries{}
	for _, r := range records {
		if r.ProvinceName == p.Name {
			series = append(series, r)
		}
	}
	return series
}

// SeriesFor extracts the chart arrays. Weeks carries each record's own date.
func SeriesFor(series ProvinceSeries) Series {
	out := Series{
		Weeks:        make([]string, len(series)),
		WeeklyCounts: make([]int, len(series)),
	}
	for i, r := range series {
		out.Weeks[i] = r.Date
		out.WeeklyCounts[i] = r.WeeklyCases
	}
	return out
}

// ChartSeries selects a province and labels its counts with the week axis.
// The series must have exactly one record per week.
func (a *Aggregator) ChartSeries(records []models.CaseRecord, axis models.WeekAxis, id int) (Series, error) {
	series := a.SelectProvince(records, id)
	if err := CheckAligned(series, axis, a.nameOf(id)); err != nil {
		return Series{}, err
	}
	out := SeriesFor(series)
	out.Weeks = append([]string(nil), axis...)
	return out, nil
}

// CheckAligned verifies one record per axis week.
func CheckAligned(series ProvinceSeries, axis models.WeekAxis, name string) error {
	if len(series) != len(axis) {
		return &SeriesLengthError{Province: name, Got: len(series), Want: len(axis)}
	}
	return nil
}

// CurrentValues is a bounds-checked lookup of the selected week.
func CurrentValues(series ProvinceSeries, weekIndex int) (Values, error) {
	if weekIndex < 0 || weekIndex >= len(series) {
		return Values{}, &IndexError{What: "week", Index: weekIndex, Len: len(series)}
	}
	r := series[weekIndex]
	return Values{WeeklyCases: r.WeeklyCases, TotalCases: r.TotalCases}, nil
}

func (a *Aggregator) nameOf(id int) string {
	if p, ok := a.provinces.Lookup(id); ok {
		return p.Name
	}
	return fmt.Sprintf("province %d", id)
}

func parseDate(s string) (time.Time, error) {
	t, err := time.Parse(models.DateLayout, s)
	if err != nil {
		return time.Time{}, &DateError{Value: s, Err: err}
	}
	return t, nil
}
