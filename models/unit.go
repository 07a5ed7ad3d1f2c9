// Package models defines data structures for the scraper.
package models

import "time"

// UnitLink points at the result page of one reporting unit.
type UnitLink struct {
	DisplayName string `json:"display_name"`
	TargetURL   string `json:"target_url"`
}

// UnitRecord holds the results parsed from a single unit page.
type UnitRecord struct {
	Code       string `json:"code"`
	Location   string `json:"location"`
	Registered int    `json:"registered"`
	Envelopes  int    `json:"envelopes"`
	Valid      int    `json:"valid"`
	Votes      *Votes `json:"votes"`
}

// UnifiedRecord is a UnitRecord whose Votes carry every candidate of the run.
type UnifiedRecord struct {
	UnitRecord
}

// Record returns the unified record as a plain UnitRecord.
func (u *UnifiedRecord) Record() *UnitRecord {
	r := u.UnitRecord
	r.Votes = u.Votes.Clone()
	return &r
}

// UnitResult is the outcome of fetching and parsing one unit.
// Exactly one of Record and Err is set.
type UnitResult struct {
	Index  int
	Link   UnitLink
	Record *UnitRecord
	Err    error
	Reason string
}

// OK reports whether the unit was parsed successfully.
func (r UnitResult) OK() bool {
	return r.Err == nil && r.Record != nil
}

// ScraperResult holds the overall result of a scraping operation
type ScraperResult struct {
	StartTime    time.Time
	EndTime      time.Time
	UnitCount    int
	ParsedCount  int
	SkippedCount int
	ErrorCount   int
	FailedURLs   []string
	ErrorsByType map[string]int
	RetryCount   int
	RequestCount int
}
