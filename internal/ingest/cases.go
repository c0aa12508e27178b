package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lox/covidcanada/internal/httputil"
	"github.com/lox/covidcanada/internal/metrics"
	"github.com/lox/covidcanada/internal/models"
)

const DefaultFeedURL = "https://health-infobase.canada.ca/src/data/covidLive/covid19.json"

// NetworkError covers a malformed URL, a transport failure or a non-2xx response.
type NetworkError struct {
	Status int // 0 when no response was received
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("network: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// DecodeError means the body did not match the expected schema.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode: %v", e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// FetchResult carries audit details about one fetch.
type FetchResult struct {
	HTTPStatus   int
	ResponseSize int
	RecordCount  int
	Body         []byte
}

type Client struct {
	feedURL string
	client  *http.Client
}

func NewClient(feedURL string) *Client {
	if feedURL == "" {
		feedURL = DefaultFeedURL
	}
	return &Client{
		feedURL: feedURL,
		client:  httputil.NewClient(),
	}
}

func (c *Client) URL() string { return c.feedURL }

// FetchCases performs a single GET of the feed. There is no retry.
func (c *Client) FetchCases(ctx context.Context) ([]models.CaseRecord, *FetchResult, error) {
	start := time.Now()
	records, result, err := c.fetch(ctx)
	metrics.FetchLatency.Observe(time.Since(start).Seconds())
	metrics.FetchesTotal.WithLabelValues(Outcome(err)).Inc()
	return records, result, err
}

func (c *Client) fetch(ctx context.Context) ([]models.CaseRecord, *FetchResult, error) {
	result := &FetchResult{}

	u, err := url.Parse(c.feedURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		if err == nil {
			err = fmt.Errorf("invalid feed url %q", c.feedURL)
		}
		return nil, result, &NetworkError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, result, &NetworkError{Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, result, &NetworkError{Err: fmt.Errorf("fetch cases: %w", err)}
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode

	body, err := io.ReadAll(resp.Body)
	result.ResponseSize = len(body)
	if err != nil {
		return nil, result, &NetworkError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, result, &NetworkError{Status: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", snippet(body))}
	}
	result.Body = body

	records, err := ParseCases(body)
	if err != nil {
		return nil, result, err
	}
	result.RecordCount = len(records)
	return records, result, nil
}

type caseRow struct {
	ProvinceName *string    `json:"prname"`
	Date         *string    `json:"date"`
	TotalCases   lenientInt `json:"totalcases"`
	WeeklyCases  lenientInt `json:"numtotal_last7"`
}

// ParseCases decodes the feed body. Numeric fields that fail to parse become 0;
// a missing province name or date fails the whole payload.
func ParseCases(body []byte) ([]models.CaseRecord, error) {
	var rows []caseRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, &DecodeError{Err: err}
	}

	records := make([]models.CaseRecord, 0, len(rows))
	for i, row := range rows {
		if row.ProvinceName == nil {
			return nil, &DecodeError{Err: fmt.Errorf("record %d: missing prname", i)}
		}
		if row.Date == nil {
			return nil, &DecodeError{Err: fmt.Errorf("record %d: missing date", i)}
		}
		records = append(records, models.CaseRecord{
			ProvinceName: *row.ProvinceName,
			Date:         *row.Date,
			TotalCases:   int(row.TotalCases),
			WeeklyCases:  int(row.WeeklyCases),
		})
	}
	return records, nil
}

// lenientInt accepts "12", "42.7", 12, 42.7 or null, truncating toward zero.
// Anything else is 0.
type lenientInt int

func (n *lenientInt) UnmarshalJSON(b []byte) error {
	*n = 0
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
	} else if b[0] == '{' || b[0] == '[' {
		return nil
	}

	*n = lenientInt(ParseCount(s))
	return nil
}

// ParseCount parses an integer or decimal string, truncating toward zero.
// Unparseable or non-finite input yields 0.
func ParseCount(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if v, err := strconv.Atoi(s); err == nil {
		return v
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	if math.Abs(f) > 1e15 {
		return 0
	}
	return int(math.Trunc(f))
}

// Outcome labels an error for metrics and logs.
func Outcome(err error) string {
	var de *DecodeError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &de):
		return "decode_error"
	default:
		return "network_error"
	}
}

func snippet(b []byte) string {
	const limit = 200
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
