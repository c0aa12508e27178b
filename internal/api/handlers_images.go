package api

import (
	"net/http"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/lox/covidcanada/internal/cardimage"
	"github.com/lox/covidcanada/internal/tracker"
)

// cardCache keeps the most recently rendered card.
type cardCache struct {
	mu   sync.Mutex
	key  cardimage.Data
	data []byte
}

func newCardCache() *cardCache {
	return &cardCache{}
}

func (c *cardCache) get(key cardimage.Data) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil || c.key != key {
		return nil, false
	}
	return c.data, true
}

func (c *cardCache) set(key cardimage.Data, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
	c.data = data
}

func cardData(snap tracker.Snapshot) cardimage.Data {
	d := cardimage.Data{Province: snap.Province.Name}
	switch {
	case snap.State == tracker.Failed && snap.Values == nil:
		d.Unavailable = failedMessage
	case snap.SeriesErr != nil || snap.Values == nil:
		d.Unavailable = "No data for this selection"
	default:
		d.Week = snap.Weeks[snap.WeekIndex]
		d.WeeklyCases = snap.Values.WeeklyCases
		d.TotalCases = snap.Values.TotalCases
	}
	return d
}

func (s *Server) handleShareImage(w http.ResponseWriter, r *http.Request) {
	d := cardData(s.tracker.Snapshot())

	data, ok := s.cards.get(d)
	if !ok {
		var err error
		data, err = cardimage.Render(d)
		if err != nil {
			s.log.Error("render share card", zap.Error(err))
			http.Error(w, "failed to render image", http.StatusInternalServerError)
			return
		}
		s.cards.set(d, data)
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Write(data)
}
