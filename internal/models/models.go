package models

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DateLayout is the calendar date format used by the source feed and the week axis.
const DateLayout = "2006-01-02"

type CaseRecord struct {
	ProvinceName string
	Date         string // "2006-01-02"
	TotalCases   int
	WeeklyCases  int
}

type Province struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Code string `yaml:"code" json:"code"`
}

// ProvinceTable maps selector indexes to the province names used in the feed.
type ProvinceTable []Province

var DefaultProvinces = ProvinceTable{
	{ID: 0, Name: "Canada", Code: "CA"},
	{ID: 1, Name: "Ontario", Code: "ON"},
	{ID: 2, Name: "Quebec", Code: "QC"},
	{ID: 3, Name: "British Columbia", Code: "BC"},
	{ID: 4, Name: "Alberta", Code: "AB"},
	{ID: 5, Name: "Manitoba", Code: "MB"},
}

// Lookup returns the province with the given id.
func (t ProvinceTable) Lookup(id int) (Province, bool) {
	for _, p := range t {
		if p.ID == id {
			return p, true
		}
	}
	return Province{}, false
}

// Validate checks that ids are 0..n-1 with no duplicates and every entry has a name.
func (t ProvinceTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("province table is empty")
	}
	seen := make(map[int]bool, len(t))
	for _, p := range t {
		if p.Name == "" {
			return fmt.Errorf("province %d has no name", p.ID)
		}
		if p.ID < 0 || p.ID >= len(t) {
			return fmt.Errorf("province %q: id %d out of range 0..%d", p.Name, p.ID, len(t)-1)
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate province id %d", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

type provinceFile struct {
	Provinces ProvinceTable `yaml:"provinces"`
}

// LoadProvinces reads a province table from a YAML file of the form
//
//	provinces:
//	  - {id: 0, name: Canada, code: CA}
func LoadProvinces(path string) (ProvinceTable, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provinces: %w", err)
	}
	var f provinceFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse provinces: %w", err)
	}
	if err := f.Provinces.Validate(); err != nil {
		return nil, err
	}
	return f.Provinces, nil
}

type WeekAxis []string

type Dataset struct {
	Records   []CaseRecord
	Weeks     WeekAxis
	FetchedAt time.Time
}
