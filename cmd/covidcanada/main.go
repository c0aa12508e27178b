package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lox/covidcanada/internal/aggregate"
	"github.com/lox/covidcanada/internal/api"
	"github.com/lox/covidcanada/internal/cardimage"
	"github.com/lox/covidcanada/internal/ingest"
	"github.com/lox/covidcanada/internal/models"
	"github.com/lox/covidcanada/internal/narrative"
	"github.com/lox/covidcanada/internal/store"
	"github.com/lox/covidcanada/internal/tracker"
)

type Globals struct {
	DB          string `help:"Path to SQLite database." default:"data/covidcanada.db" env:"COVIDCANADA_DB"`
	URL         string `help:"Case feed URL." default:"${feed_url}" env:"COVIDCANADA_FEED_URL"`
	Provinces   string `help:"YAML province table; the built-in table is used when empty." env:"COVIDCANADA_PROVINCES"`
	EmptyPolicy string `help:"What an empty feed does to a loaded dataset (keep, clear)." enum:"keep,clear" default:"keep" env:"COVIDCANADA_EMPTY_POLICY"`
	Debug       bool   `help:"Enable development logging." env:"COVIDCANADA_DEBUG"`
}

type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" default:"1" help:"Serve the dashboard and poll the feed (default)."`
	Fetch  FetchCmd  `cmd:"" help:"Ingest the feed once and print a summary."`
	Show   ShowCmd   `cmd:"" help:"Print values for a province and week from the stored dataset."`
	Replay ReplayCmd `cmd:"" help:"Rebuild the stored dataset from an archived feed payload."`
}

type ServeCmd struct {
	Port          string        `help:"HTTP server port." default:"8080" env:"PORT"`
	Interval      time.Duration `help:"Feed polling interval." default:"6h" env:"COVIDCANADA_INTERVAL"`
	NoPoll        bool          `help:"Disable polling (server only, for local dev)."`
	OpenAIKey     string        `name:"openai-api-key" help:"Enables model-written summaries." env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `name:"openai-base-url" help:"Override the OpenAI API endpoint." env:"OPENAI_BASE_URL"`
}

type FetchCmd struct{}

type ShowCmd struct {
	Province int `help:"Province index." default:"0"`
	Week     int `help:"Week index; negative values count back from the latest week." default:"-1"`
}

type ReplayCmd struct {
	Payload string `arg:"" help:"Archived payload ID, or its SHA-256 hash."`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("covidcanada"),
		kong.Description("Weekly COVID-19 case counts for Canada and its provinces."),
		kong.UsageOnError(),
		kong.Vars{"feed_url": ingest.DefaultFeedURL},
	)

	log, err := newLogger(cli.Debug)
	ctx.FatalIfErrorf(err)
	defer log.Sync()

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals, log))
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

type app struct {
	db      *sql.DB
	store   *store.Store
	agg     *aggregate.Aggregator
	tracker *tracker.Tracker
}

func openApp(g *Globals, log *zap.Logger) (*app, error) {
	table := models.DefaultProvinces
	if g.Provinces != "" {
		var err error
		if table, err = models.LoadProvinces(g.Provinces); err != nil {
			return nil, err
		}
	}
	policy, err := tracker.ParseEmptyPolicy(g.EmptyPolicy)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(g.DB); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", g.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db, log)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	stored, err := st.GetProvinces()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("read provinces: %w", err)
	}
	if !slices.Equal(stored, table) {
		if err := st.SeedProvinces(table); err != nil {
			db.Close()
			return nil, fmt.Errorf("seed provinces: %w", err)
		}
		log.Info("seeded province table", zap.Int("provinces", len(table)))
	}

	agg := aggregate.New(table)
	loader := ingest.NewLoader(ingest.NewClient(g.URL), st, log)
	tr := tracker.New(loader, agg, log)
	tr.SetSink(st)
	tr.SetEmptyPolicy(policy)

	return &app{db: db, store: st, agg: agg, tracker: tr}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// warmStart installs the last stored dataset, if any. It reports whether one
// was found.
func (a *app) warmStart() (bool, error) {
	ds, err := a.store.LatestDataset()
	if err != nil {
		return false, fmt.Errorf("load stored dataset: %w", err)
	}
	if ds == nil {
		return false, nil
	}
	return true, a.tracker.Seed(*ds)
}

func (c *ServeCmd) Run(g *Globals, log *zap.Logger) error {
	a, err := openApp(g, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if ok, err := a.warmStart(); err != nil {
		log.Warn("warm start failed", zap.Error(err))
	} else if ok {
		log.Info("warm start from stored dataset")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoPoll {
		scheduler := ingest.NewScheduler(a.tracker, a.store, c.Interval, log)
		go scheduler.Run(ctx)
	} else {
		log.Info("polling disabled (--no-poll)")
	}

	narrator := narrative.NewGenerator(c.OpenAIKey, c.OpenAIBaseURL, log)
	if !narrator.Enabled() {
		log.Info("model summaries disabled, OPENAI_API_KEY not set")
	}

	server := api.NewServer(a.tracker, a.store, narrator, c.Port, log)
	return server.Run(ctx)
}

func (c *FetchCmd) Run(g *Globals, log *zap.Logger) error {
	a, err := openApp(g, log)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler := ingest.NewScheduler(a.tracker, a.store, 0, log)
	if err := scheduler.IngestOnce(context.Background()); err != nil {
		return err
	}

	snap := a.tracker.Snapshot()
	if len(snap.Weeks) == 0 {
		return errors.New("feed returned no records")
	}
	fmt.Printf("%s records, %d weeks (%s to %s)\n",
		cardimage.FormatCount(snap.Records), len(snap.Weeks), snap.Weeks[0], snap.Weeks[len(snap.Weeks)-1])
	if snap.Err != nil {
		fmt.Printf("warning: %v\n", snap.Err)
	}

	latest := len(snap.Weeks) - 1
	for _, p := range a.tracker.Provinces() {
		series, err := a.tracker.Series(p.ID)
		if err != nil {
			fmt.Printf("  %-20s %v\n", p.Name, err)
			continue
		}
		fmt.Printf("  %-20s %10s this week\n", p.Name, cardimage.FormatCount(series.WeeklyCounts[latest]))
	}
	return nil
}

func (c *ShowCmd) Run(g *Globals, log *zap.Logger) error {
	a, err := openApp(g, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.warmStart()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no stored dataset, run fetch first")
	}

	week := c.Week
	if week < 0 {
		week += len(a.tracker.Snapshot().Weeks)
	}
	if err := a.tracker.Select(&c.Province, &week); err != nil {
		return err
	}

	snap := a.tracker.Snapshot()
	fmt.Printf("%s, week of %s\n", snap.Province.Name, snap.Weeks[snap.WeekIndex])
	fmt.Printf("  weekly cases: %s\n", cardimage.FormatCount(snap.Values.WeeklyCases))
	fmt.Printf("  total cases:  %s\n", cardimage.FormatCount(snap.Values.TotalCases))

	in := narrative.Input{
		Province:    snap.Province.Name,
		Week:        snap.Weeks[snap.WeekIndex],
		WeeklyCases: snap.Values.WeeklyCases,
		TotalCases:  snap.Values.TotalCases,
	}
	if snap.WeekIndex > 0 {
		if series, err := a.tracker.Series(snap.ProvinceIndex); err == nil {
			in.HasPrevious = true
			in.PreviousWeekly = series.WeeklyCounts[snap.WeekIndex-1]
		}
	}
	fmt.Println()
	fmt.Println(narrative.Template(in))
	return nil
}

func (c *ReplayCmd) Run(g *Globals, log *zap.Logger) error {
	a, err := openApp(g, log)
	if err != nil {
		return err
	}
	defer a.Close()

	body, err := a.payload(c.Payload)
	if err != nil {
		return err
	}
	records, err := ingest.ParseCases(body)
	if err != nil {
		return err
	}
	weeks, err := a.agg.BuildWeekAxis(records)
	if err != nil {
		return err
	}

	ds := models.Dataset{Records: records, Weeks: weeks, FetchedAt: time.Now()}
	if err := a.store.SaveDataset(ds); err != nil {
		return err
	}
	fmt.Printf("replayed %s records, %d weeks (%s to %s)\n",
		cardimage.FormatCount(len(records)), len(weeks), weeks[0], weeks[len(weeks)-1])
	return nil
}

// payload looks up an archived feed body by numeric ID or by hash.
func (a *app) payload(ref string) ([]byte, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		body, err := a.store.GetRawPayload(id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no archived payload with id %d", id)
		}
		return body, err
	}

	p, err := a.store.GetRawPayloadByHash(strings.ToLower(ref))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("no archived payload with hash %s", ref)
	}
	return p.Body()
}
