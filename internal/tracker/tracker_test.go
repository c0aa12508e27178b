package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/lox/covidcanada/internal/aggregate"
	"github.com/lox/covidcanada/internal/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sourceFunc func(ctx context.Context) ([]models.CaseRecord, error)

func (f sourceFunc) Load(ctx context.Context) ([]models.CaseRecord, error) { return f(ctx) }

type fixedSource struct {
	mu      sync.Mutex
	results []result
}

type result struct {
	records []models.CaseRecord
	err     error
}

func (s *fixedSource) Load(ctx context.Context) ([]models.CaseRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r.records, r.err
}

type recordingSink struct {
	saved   []models.Dataset
	cleared int
}

func (s *recordingSink) SaveDataset(ds models.Dataset) error {
	s.saved = append(s.saved, ds)
	return nil
}

func (s *recordingSink) ClearDataset() error {
	s.cleared++
	return nil
}

func weekly(province, start string, weekly ...int) []models.CaseRecord {
	t, _ := time.Parse(models.DateLayout, start)
	var out []models.CaseRecord
	total := 1000
	for i, w := range weekly {
		total += w
		out = append(out, models.CaseRecord{
			ProvinceName: province,
			Date:         t.AddDate(0, 0, 7*i).Format(models.DateLayout),
			TotalCases:   total,
			WeeklyCases:  w,
		})
	}
	return out
}

func fixture() []models.CaseRecord {
	records := weekly("Canada", "2022-01-01", 100, 150, 120)
	records = append(records, weekly("Ontario", "2022-01-01", 40, 60, 50)...)
	return records
}

func newTracker(t *testing.T, src Source) *Tracker {
	t.Helper()
	return New(src, aggregate.New(models.DefaultProvinces), zaptest.NewLogger(t))
}

func TestLoad_Ready(t *testing.T) {
	sink := &recordingSink{}
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	tr.SetSink(sink)

	assert.Equal(t, Idle, tr.Snapshot().State)
	require.NoError(t, tr.Load(context.Background()))

	snap := tr.Snapshot()
	assert.Equal(t, Ready, snap.State)
	assert.Equal(t, 6, snap.Records)
	assert.Equal(t, models.WeekAxis{"2022-01-01", "2022-01-08", "2022-01-15"}, snap.Weeks)
	assert.Equal(t, 2, snap.WeekIndex, "week cursor moves to latest week")
	assert.Equal(t, "Canada", snap.Province.Name)
	require.NotNil(t, snap.Values)
	assert.Equal(t, aggregate.Values{WeeklyCases: 120, TotalCases: 1370}, *snap.Values)

	cmd, ok := tr.Mailbox().Take()
	require.True(t, ok)
	assert.Equal(t, 0, cmd.Province)
	assert.Equal(t, []int{100, 150, 120}, cmd.Dataset.YS)
	assert.Equal(t, `drawChart({"xs":["2022-01-01","2022-01-08","2022-01-15"],"ys":[100,150,120]})`, cmd.JS)

	require.Len(t, sink.saved, 1)
	assert.Len(t, sink.saved[0].Records, 6)
	assert.Len(t, sink.saved[0].Weeks, 3)
}

func TestCurrentValues_Scenario(t *testing.T) {
	records := weekly("Canada", "2022-01-01", 100, 150, 120)
	tr := newTracker(t, &fixedSource{results: []result{{records: records}}})
	require.NoError(t, tr.Load(context.Background()))

	require.NoError(t, tr.SetWeek(2))
	v, err := tr.Current()
	require.NoError(t, err)
	assert.Equal(t, 120, v.WeeklyCases)
	assert.Equal(t, records[2].TotalCases, v.TotalCases)

	require.NoError(t, tr.SetWeek(0))
	v, err = tr.Current()
	require.NoError(t, err)
	assert.Equal(t, 100, v.WeeklyCases)
}

func TestRefresh_RejectsWhilePending(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	tr := newTracker(t, sourceFunc(func(ctx context.Context) ([]models.CaseRecord, error) {
		close(started)
		<-release
		return fixture(), nil
	}))

	done, err := tr.Refresh(context.Background())
	require.NoError(t, err)
	<-started
	assert.Equal(t, Loading, tr.Snapshot().State)

	_, err = tr.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrLoadInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, Ready, tr.Snapshot().State)

	// A later refresh is accepted again.
	tr.source = &fixedSource{results: []result{{records: fixture()}}}
	require.NoError(t, tr.Load(context.Background()))
}

func TestLoad_FetchFailure(t *testing.T) {
	fetchErr := errors.New("connection refused")
	tr := newTracker(t, &fixedSource{results: []result{{err: fetchErr}}})

	err := tr.Load(context.Background())
	assert.ErrorIs(t, err, fetchErr)

	snap := tr.Snapshot()
	assert.Equal(t, Failed, snap.State)
	assert.ErrorIs(t, snap.Err, fetchErr)

	_, err = tr.Current()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, tr.SetWeek(0), ErrNotReady)

	_, ok := tr.Mailbox().Take()
	assert.False(t, ok)
}

func TestLoad_FailureThenRetry(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{
		{err: errors.New("timeout")},
		{records: fixture()},
	}})

	require.Error(t, tr.Load(context.Background()))
	assert.Equal(t, Failed, tr.Snapshot().State)

	require.NoError(t, tr.Load(context.Background()))
	assert.Equal(t, Ready, tr.Snapshot().State)
	assert.Nil(t, tr.Snapshot().Err)
}

func TestLoad_EmptyKeepPrevious(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{
		{records: fixture()},
		{records: []models.CaseRecord{}},
	}})
	sink := &recordingSink{}
	tr.SetSink(sink)
	tr.SetEmptyPolicy(KeepPrevious)

	require.NoError(t, tr.Load(context.Background()))
	before := tr.Snapshot()

	err := tr.Load(context.Background())
	assert.ErrorIs(t, err, aggregate.ErrEmptyDataset)

	after := tr.Snapshot()
	assert.Equal(t, Ready, after.State)
	assert.ErrorIs(t, after.Err, aggregate.ErrEmptyDataset)
	assert.Equal(t, before.Weeks, after.Weeks)
	assert.Equal(t, before.Records, after.Records)
	_, err = tr.Current()
	assert.NoError(t, err)
	assert.Zero(t, sink.cleared, "kept dataset stays stored")
}

func TestLoad_EmptyClear(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{
		{records: fixture()},
		{records: nil},
	}})
	sink := &recordingSink{}
	tr.SetSink(sink)
	tr.SetEmptyPolicy(Clear)

	require.NoError(t, tr.Load(context.Background()))
	require.Len(t, sink.saved, 1)

	err := tr.Load(context.Background())
	assert.ErrorIs(t, err, aggregate.ErrEmptyDataset)

	after := tr.Snapshot()
	assert.Equal(t, Failed, after.State)
	assert.Empty(t, after.Weeks)
	assert.Zero(t, after.Records)
	_, err = tr.Current()
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, 1, sink.cleared, "stored dataset is cleared too")
}

func TestLoad_EmptyWithoutPrevious(t *testing.T) {
	sink := &recordingSink{}
	tr := newTracker(t, &fixedSource{results: []result{{records: nil}}})
	tr.SetSink(sink)

	err := tr.Load(context.Background())
	assert.ErrorIs(t, err, aggregate.ErrEmptyDataset)
	assert.Equal(t, Failed, tr.Snapshot().State)
	assert.Zero(t, sink.cleared, "keep policy never clears storage")
}

func TestLoad_BadDate(t *testing.T) {
	records := fixture()
	records[len(records)-1].Date = "2022/01/15"
	sink := &recordingSink{}
	tr := newTracker(t, &fixedSource{results: []result{{records: records}}})
	tr.SetSink(sink)

	err := tr.Load(context.Background())
	var de *aggregate.DateError
	require.True(t, errors.As(err, &de), "err = %v", err)
	assert.Equal(t, Failed, tr.Snapshot().State)
	assert.Empty(t, sink.saved)
}

func TestSetProvince(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.Load(context.Background()))
	tr.Mailbox().Take()

	require.NoError(t, tr.SetWeek(1))
	require.NoError(t, tr.SetProvince(1))

	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.WeekIndex, "week cursor is kept")
	assert.Equal(t, "Ontario", snap.Province.Name)
	require.NotNil(t, snap.Values)
	assert.Equal(t, 60, snap.Values.WeeklyCases)

	cmd, ok := tr.Mailbox().Take()
	require.True(t, ok)
	assert.Equal(t, 1, cmd.Province)
	assert.Equal(t, []int{40, 60, 50}, cmd.Dataset.YS)

	var ie *aggregate.IndexError
	require.True(t, errors.As(tr.SetProvince(6), &ie))
	assert.Equal(t, "province", ie.What)
	require.True(t, errors.As(tr.SetProvince(-1), &ie))
	assert.Equal(t, 1, tr.Snapshot().ProvinceIndex, "invalid id leaves cursor alone")
}

func TestSetProvince_NoRecords(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.Load(context.Background()))
	tr.Mailbox().Take()

	err := tr.SetProvince(5) // Manitoba: no records in the fixture
	var sle *aggregate.SeriesLengthError
	require.True(t, errors.As(err, &sle), "err = %v", err)

	_, err = tr.Current()
	assert.True(t, errors.As(err, &sle), "err = %v", err)

	_, ok := tr.Mailbox().Take()
	assert.False(t, ok, "no render command for a misaligned series")
}

func TestSetProvince_MissingWeek(t *testing.T) {
	records := fixture()
	records = append(records[:4], records[5:]...) // drop Ontario week 2
	tr := newTracker(t, &fixedSource{results: []result{{records: records}}})
	require.NoError(t, tr.Load(context.Background()))

	err := tr.SetProvince(1)
	var sle *aggregate.SeriesLengthError
	require.True(t, errors.As(err, &sle), "err = %v", err)
	assert.Equal(t, 2, sle.Got)
	assert.Equal(t, 3, sle.Want)

	snap := tr.Snapshot()
	assert.Error(t, snap.SeriesErr)
	assert.Error(t, snap.ValuesErr)
	assert.Nil(t, snap.Values)

	_, err = tr.Series(1)
	assert.True(t, errors.As(err, &sle))
}

func TestSetProvince_MissingWeekEarlierCursor(t *testing.T) {
	records := fixture()
	records = append(records[:4], records[5:]...) // drop Ontario 2022-01-08
	tr := newTracker(t, &fixedSource{results: []result{{records: records}}})
	require.NoError(t, tr.Load(context.Background()))

	// Week 1 is in range for Ontario's two records but would read 2022-01-15.
	require.NoError(t, tr.SetWeek(1))
	var sle *aggregate.SeriesLengthError
	require.True(t, errors.As(tr.SetProvince(1), &sle))

	_, err := tr.Current()
	assert.True(t, errors.As(err, &sle), "err = %v", err)

	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.WeekIndex)
	assert.Nil(t, snap.Values)
	assert.True(t, errors.As(snap.ValuesErr, &sle))

	for _, week := range []int{0, 1} {
		assert.True(t, errors.As(tr.SetWeek(week), &sle), "week %d", week)
		_, err := tr.Current()
		assert.Error(t, err, "week %d", week)
	}

	// Moving back to an aligned province reads values again.
	require.NoError(t, tr.SetProvince(0))
	v, err := tr.Current()
	require.NoError(t, err)
	assert.Equal(t, 150, v.WeeklyCases)
}

func TestSelect(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.Load(context.Background()))

	province, week := 1, 0
	require.NoError(t, tr.Select(&province, &week))
	snap := tr.Snapshot()
	assert.Equal(t, 1, snap.ProvinceIndex)
	assert.Equal(t, 0, snap.WeekIndex)
	require.NotNil(t, snap.Values)
	assert.Equal(t, 40, snap.Values.WeeklyCases)

	// A bad week rejects the whole selection.
	province, week = 0, 7
	var ie *aggregate.IndexError
	require.True(t, errors.As(tr.Select(&province, &week), &ie))
	assert.Equal(t, "week", ie.What)
	snap = tr.Snapshot()
	assert.Equal(t, 1, snap.ProvinceIndex, "province unchanged")
	assert.Equal(t, 0, snap.WeekIndex, "week unchanged")

	assert.NoError(t, tr.Select(nil, nil))
}

func TestSelect_Concurrent(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.Load(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			province, week := i%2, i%2 // Canada week 0 or Ontario week 1
			assert.NoError(t, tr.Select(&province, &week))
		}(i)
	}
	wg.Wait()

	snap := tr.Snapshot()
	assert.Equal(t, snap.ProvinceIndex, snap.WeekIndex, "cursors always move together")
}

func TestSetProvince_BeforeLoad(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.SetProvince(1))
	require.NoError(t, tr.Load(context.Background()))

	cmd, ok := tr.Mailbox().Take()
	require.True(t, ok)
	assert.Equal(t, 1, cmd.Province)
}

func TestSetWeek_OutOfRange(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.Load(context.Background()))

	for _, i := range []int{-1, 3, 99} {
		err := tr.SetWeek(i)
		var ie *aggregate.IndexError
		require.True(t, errors.As(err, &ie), "week %d", i)
		assert.Equal(t, "week", ie.What)
	}
	assert.Equal(t, 2, tr.Snapshot().WeekIndex)
}

func TestSeries(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})

	_, err := tr.Series(0)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, tr.Load(context.Background()))
	s, err := tr.Series(1)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 60, 50}, s.WeeklyCounts)
	assert.Equal(t, 0, tr.Snapshot().ProvinceIndex, "Series does not move the cursor")
}

func TestSeed(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{err: errors.New("offline")}}})
	fetchedAt := time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, tr.Seed(models.Dataset{Records: fixture(), FetchedAt: fetchedAt}))
	snap := tr.Snapshot()
	assert.Equal(t, Ready, snap.State)
	assert.Equal(t, fetchedAt, snap.FetchedAt)
	assert.Len(t, snap.Weeks, 3)

	assert.ErrorIs(t, tr.Seed(models.Dataset{}), aggregate.ErrEmptyDataset)
}

func TestParseEmptyPolicy(t *testing.T) {
	p, err := ParseEmptyPolicy("keep")
	require.NoError(t, err)
	assert.Equal(t, KeepPrevious, p)

	p, err = ParseEmptyPolicy("clear")
	require.NoError(t, err)
	assert.Equal(t, Clear, p)

	_, err = ParseEmptyPolicy("drop")
	assert.Error(t, err)
}

func TestConcurrentReaders(t *testing.T) {
	tr := newTracker(t, &fixedSource{results: []result{{records: fixture()}}})
	require.NoError(t, tr.Load(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			tr.SetProvince(i % 2)
			tr.SetWeek(i % 3)
		}(i)
		go func() {
			defer wg.Done()
			snap := tr.Snapshot()
			if snap.Values != nil {
				assert.Contains(t, []int{100, 150, 120, 40, 60, 50}, snap.Values.WeeklyCases)
			}
		}()
	}
	wg.Wait()
}
