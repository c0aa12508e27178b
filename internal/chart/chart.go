// Package chart builds the dataset handed to the page's drawChart routine and
// queues render commands for the page to pick up.
package chart

import (
	"encoding/json"
	"fmt"

	"github.com/lox/covidcanada/internal/aggregate"
)

// DrawFunc is the page-side routine that consumes a Dataset.
const DrawFunc = "drawChart"

// Dataset is the wire shape expected by drawChart.
type Dataset struct {
	XS []string `json:"xs"`
	YS []int    `json:"ys"`
}

func FromSeries(s aggregate.Series) Dataset {
	return Dataset{XS: s.Weeks, YS: s.WeeklyCounts}
}

// Encode marshals the dataset, writing nil slices as empty arrays.
func (d Dataset) Encode() ([]byte, error) {
	if d.XS == nil {
		d.XS = []string{}
	}
	if d.YS == nil {
		d.YS = []int{}
	}
	return json.Marshal(d)
}

func Decode(b []byte) (Dataset, error) {
	var d Dataset
	if err := json.Unmarshal(b, &d); err != nil {
		return Dataset{}, fmt.Errorf("decode dataset: %w", err)
	}
	if len(d.XS) != len(d.YS) {
		return Dataset{}, fmt.Errorf("decode dataset: %d labels, %d values", len(d.XS), len(d.YS))
	}
	return d, nil
}

// Command is a pending render instruction for the page.
type Command struct {
	Province int     `json:"province"`
	Dataset  Dataset `json:"dataset"`
	JS       string  `json:"js"`
}

func NewCommand(province int, d Dataset) (Command, error) {
	b, err := d.Encode()
	if err != nil {
		return Command{}, err
	}
	return Command{
		Province: province,
		Dataset:  d,
		JS:       fmt.Sprintf("%s(%s)", DrawFunc, b),
	}, nil
}
