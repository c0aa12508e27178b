// Package tracker owns the loaded dataset, the province/week selection cursors
// and the load state machine. All mutation happens under one lock and fetch
// results are applied only once the fetch has completed.
package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/lox/covidcanada/internal/aggregate"
	"github.com/lox/covidcanada/internal/chart"
	"github.com/lox/covidcanada/internal/metrics"
	"github.com/lox/covidcanada/internal/models"
)

var (
	ErrLoadInProgress = errors.New("load already in progress")
	ErrNotReady       = errors.New("no dataset loaded")
)

type State int

const (
	Idle State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

var stateNames = []string{Idle.String(), Loading.String(), Ready.String(), Failed.String()}

// EmptyPolicy decides what a successful fetch with zero records does to a
// previously loaded dataset.
type EmptyPolicy int

const (
	// KeepPrevious leaves an earlier dataset in place and returns to Ready.
	KeepPrevious EmptyPolicy = iota
	// Clear drops the dataset and moves to Failed.
	Clear
)

func ParseEmptyPolicy(s string) (EmptyPolicy, error) {
	switch s {
	case "", "keep":
		return KeepPrevious, nil
	case "clear":
		return Clear, nil
	}
	return 0, errors.New(`empty policy must be "keep" or "clear"`)
}

// Source produces a fresh set of case records.
type Source interface {
	Load(ctx context.Context) ([]models.CaseRecord, error)
}

// Sink persists a dataset after it has been accepted, and forgets it when an
// empty feed clears it.
type Sink interface {
	SaveDataset(ds models.Dataset) error
	ClearDataset() error
}

type Tracker struct {
	source  Source
	agg     *aggregate.Aggregator
	log     *zap.Logger
	mailbox *chart.Mailbox
	sem     *semaphore.Weighted
	now     func() time.Time

	sink        Sink
	emptyPolicy EmptyPolicy

	mu        sync.RWMutex
	state     State
	lastErr   error
	dataset   *models.Dataset
	province  int
	week      int
	series    aggregate.ProvinceSeries
	seriesErr error
}

func New(source Source, agg *aggregate.Aggregator, log *zap.Logger) *Tracker {
	t := &Tracker{
		source:  source,
		agg:     agg,
		log:     log.Named("tracker"),
		mailbox: chart.NewMailbox(),
		sem:     semaphore.NewWeighted(1),
		now:     time.Now,
	}
	metrics.SetLoadState(Idle.String(), stateNames)
	return t
}

// SetSink configures where accepted datasets are persisted.
func (t *Tracker) SetSink(sink Sink) {
	t.sink = sink
}

func (t *Tracker) SetEmptyPolicy(p EmptyPolicy) {
	t.emptyPolicy = p
}

func (t *Tracker) Mailbox() *chart.Mailbox {
	return t.mailbox
}

func (t *Tracker) Provinces() models.ProvinceTable {
	return t.agg.Provinces()
}

// Refresh starts one asynchronous load. It returns ErrLoadInProgress without
// starting anything if a load is already running. The returned channel
// receives the load's outcome and is then closed.
func (t *Tracker) Refresh(ctx context.Context) (<-chan error, error) {
	if !t.sem.TryAcquire(1) {
		return nil, ErrLoadInProgress
	}

	t.mu.Lock()
	t.setState(Loading)
	t.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		defer close(done)
		defer t.sem.Release(1)

		records, err := t.source.Load(ctx)
		done <- t.apply(records, err)
	}()
	return done, nil
}

// Load runs Refresh and waits for the outcome.
func (t *Tracker) Load(ctx context.Context) error {
	done, err := t.Refresh(ctx)
	if err != nil {
		return err
	}
	return <-done
}

// Seed installs a previously stored dataset without fetching, rebuilding the
// week axis from its records.
func (t *Tracker) Seed(ds models.Dataset) error {
	axis, err := t.agg.BuildWeekAxis(ds.Records)
	if err != nil {
		return err
	}
	ds.Weeks = axis

	t.mu.Lock()
	defer t.mu.Unlock()
	t.install(ds)
	t.lastErr = nil
	t.setState(Ready)
	t.log.Info("seeded dataset", zap.Int("records", len(ds.Records)), zap.Int("weeks", len(axis)),
		zap.Time("fetched_at", ds.FetchedAt))
	return nil
}

func (t *Tracker) apply(records []models.CaseRecord, fetchErr error) error {
	t.mu.Lock()

	if fetchErr != nil {
		t.lastErr = fetchErr
		t.setState(Failed)
		t.mu.Unlock()
		t.log.Warn("load failed", zap.Error(fetchErr))
		return fetchErr
	}

	axis, err := t.agg.BuildWeekAxis(records)
	if errors.Is(err, aggregate.ErrEmptyDataset) {
		defer t.mu.Unlock()
		return t.applyEmpty(err)
	}
	if err != nil {
		t.lastErr = err
		t.setState(Failed)
		t.mu.Unlock()
		t.log.Warn("rejected dataset", zap.Error(err))
		return err
	}

	ds := models.Dataset{Records: records, Weeks: axis, FetchedAt: t.now()}
	t.install(ds)
	t.lastErr = nil
	t.setState(Ready)
	t.mu.Unlock()

	t.log.Info("dataset loaded", zap.Int("records", len(records)), zap.Int("weeks", len(axis)),
		zap.String("first_week", axis[0]), zap.String("last_week", axis[len(axis)-1]))

	if t.sink != nil {
		if err := t.sink.SaveDataset(ds); err != nil {
			t.log.Error("persist dataset", zap.Error(err))
		}
	}
	return nil
}

// applyEmpty must be called with mu held.
func (t *Tracker) applyEmpty(err error) error {
	t.lastErr = err
	switch {
	case t.emptyPolicy == KeepPrevious && t.dataset != nil:
		t.setState(Ready)
		t.log.Warn("empty dataset, keeping previous", zap.Int("records", len(t.dataset.Records)))
	default:
		t.dataset = nil
		t.series = nil
		t.seriesErr = nil
		t.week = 0
		metrics.RecordsIngested.Set(0)
		metrics.WeeksLoaded.Set(0)
		t.setState(Failed)
		t.log.Warn("empty dataset, cleared")
		if t.sink != nil && t.emptyPolicy == Clear {
			if err := t.sink.ClearDataset(); err != nil {
				t.log.Error("clear stored dataset", zap.Error(err))
			}
		}
	}
	return err
}

// install must be called with mu held.
func (t *Tracker) install(ds models.Dataset) {
	t.dataset = &ds
	t.week = len(ds.Weeks) - 1
	t.reselect()
	metrics.RecordsIngested.Set(float64(len(ds.Records)))
	metrics.WeeksLoaded.Set(float64(len(ds.Weeks)))
}

// reselect re-filters the series for the current province and posts a render
// command when it lines up with the week axis. Must be called with mu held.
func (t *Tracker) reselect() {
	if t.dataset == nil {
		return
	}
	t.series = t.agg.SelectProvince(t.dataset.Records, t.province)

	p, _ := t.agg.Provinces().Lookup(t.province)
	t.seriesErr = aggregate.CheckAligned(t.series, t.dataset.Weeks, p.Name)
	if t.seriesErr != nil {
		t.log.Warn("series does not match week axis", zap.Error(t.seriesErr))
		return
	}

	s := aggregate.SeriesFor(t.series)
	s.Weeks = append([]string(nil), t.dataset.Weeks...)
	cmd, err := chart.NewCommand(t.province, chart.FromSeries(s))
	if err != nil {
		t.log.Error("build render command", zap.Error(err))
		return
	}
	t.mailbox.Post(cmd)
	metrics.RenderCommandsPosted.Inc()
}

// setState must be called with mu held.
func (t *Tracker) setState(s State) {
	t.state = s
	metrics.SetLoadState(s.String(), stateNames)
}

// SetProvince moves the province cursor. The week cursor is kept unless it
// falls outside the axis. The returned error reports a series that cannot be
// read at the current week; the cursor still moves.
func (t *Tracker) SetProvince(id int) error {
	return t.Select(&id, nil)
}

// SetWeek moves the week cursor.
func (t *Tracker) SetWeek(i int) error {
	return t.Select(nil, &i)
}

// Select moves either cursor, or both, under one lock. Out-of-range indexes
// leave both cursors untouched. Once the cursors have moved, the returned
// error is the one reading the current values would give.
func (t *Tracker) Select(province, week *int) error {
	if province != nil {
		n := len(t.agg.Provinces())
		if *province < 0 || *province >= n {
			return &aggregate.IndexError{What: "province", Index: *province, Len: n}
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if week != nil {
		if t.dataset == nil {
			return ErrNotReady
		}
		if n := len(t.dataset.Weeks); *week < 0 || *week >= n {
			return &aggregate.IndexError{What: "week", Index: *week, Len: n}
		}
	}

	if province != nil {
		t.province = *province
	}
	if t.dataset == nil {
		return nil
	}
	if week != nil {
		t.week = *week
	} else if t.week < 0 || t.week >= len(t.dataset.Weeks) {
		t.week = len(t.dataset.Weeks) - 1
	}
	if province != nil {
		t.reselect()
	}
	_, err := t.current()
	return err
}

// Current returns the values at the selected province and week.
func (t *Tracker) Current() (aggregate.Values, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current()
}

// current must be called with mu held. A series that does not line up with
// the week axis yields no values at all.
func (t *Tracker) current() (aggregate.Values, error) {
	if t.dataset == nil {
		return aggregate.Values{}, ErrNotReady
	}
	if t.seriesErr != nil {
		return aggregate.Values{}, t.seriesErr
	}
	return aggregate.CurrentValues(t.series, t.week)
}

// Series returns the chart series for any province without moving the cursor.
func (t *Tracker) Series(id int) (aggregate.Series, error) {
	n := len(t.agg.Provinces())
	if id < 0 || id >= n {
		return aggregate.Series{}, &aggregate.IndexError{What: "province", Index: id, Len: n}
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.dataset == nil {
		return aggregate.Series{}, ErrNotReady
	}
	return t.agg.ChartSeries(t.dataset.Records, t.dataset.Weeks, id)
}

// Snapshot is a consistent read of the tracker.
type Snapshot struct {
	State         State
	Err           error
	FetchedAt     time.Time
	Records       int
	Weeks         models.WeekAxis
	Province      models.Province
	ProvinceIndex int
	WeekIndex     int
	Values        *aggregate.Values
	ValuesErr     error
	SeriesErr     error
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, _ := t.agg.Provinces().Lookup(t.province)
	snap := Snapshot{
		State:         t.state,
		Err:           t.lastErr,
		Province:      p,
		ProvinceIndex: t.province,
		WeekIndex:     t.week,
		SeriesErr:     t.seriesErr,
	}
	if t.dataset != nil {
		snap.FetchedAt = t.dataset.FetchedAt
		snap.Records = len(t.dataset.Records)
		snap.Weeks = append(models.WeekAxis(nil), t.dataset.Weeks...)
	}
	if v, err := t.current(); err != nil {
		snap.ValuesErr = err
	} else {
		snap.Values = &v
	}
	return snap
}
