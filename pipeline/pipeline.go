package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aluiziolira/go-scrape-elections/models"
)

var (
	// ErrPipelineClosed is returned when Process is called after shutdown.
	ErrPipelineClosed = errors.New("pipeline: closed")
)

// OutputWriter defines the interface for data output.
type OutputWriter interface {
	Write(table *Table) error
	Close() error
	Validate() error
}

// Pipeline collects unit results in order, drops failed and duplicate
// units, and hands the unified table to the writer on Close.
type Pipeline struct {
	writer OutputWriter

	mu      sync.Mutex // guards records/closed/err/table
	records []*models.UnitRecord
	seen    *lru.Cache[string, struct{}]
	closed  bool
	err     error
	table   *Table

	metrics *metrics
}

// NewPipeline builds a pipeline remembering up to dedupeSize unit codes.
func NewPipeline(writer OutputWriter, dedupeSize int) (*Pipeline, error) {
	if dedupeSize <= 0 {
		dedupeSize = 1
	}
	seen, err := lru.New[string, struct{}](dedupeSize)
	if err != nil {
		return nil, fmt.Errorf("create dedupe cache: %w", err)
	}
	return &Pipeline{
		writer:  writer,
		seen:    seen,
		metrics: newMetrics(),
	}, nil
}

// Process accepts unit results. Failed units are counted and skipped.
func (p *Pipeline) Process(results ...models.UnitResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPipelineClosed
	}

	for _, res := range results {
		if !res.OK() {
			reason := res.Reason
			if reason == "" {
				reason = "other"
			}
			p.metrics.addSkipped(reason)
			continue
		}
		if p.seen.Contains(res.Record.Code) {
			slog.Warn("duplicate unit code dropped",
				slog.String("code", res.Record.Code),
				slog.String("location", res.Record.Location),
			)
			p.metrics.addSkipped("duplicate_code")
			continue
		}
		p.seen.Add(res.Record.Code, struct{}{})
		p.records = append(p.records, res.Record)
		p.metrics.incrementProcessed()
	}
	return nil
}

// Close unifies the collected records and writes them out. Further calls
// return the first error.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return p.err
	}
	p.closed = true

	p.table = Aggregate(p.records)
	if err := p.writer.Write(p.table); err != nil {
		p.err = fmt.Errorf("write table: %w", err)
	}
	return p.err
}

// Table returns the unified table once the pipeline is closed.
func (p *Pipeline) Table() *Table {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.table
}

// GetMetrics returns a snapshot of the internal counters.
func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.snapshot()
}

type metrics struct {
	mu        sync.Mutex
	processed int64
	skipped   map[string]int
}

func newMetrics() *metrics {
	return &metrics{
		skipped: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addSkipped(kind string) {
	m.mu.Lock()
	m.skipped[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copySkipped := make(map[string]int, len(m.skipped))
	for k, v := range m.skipped {
		copySkipped[k] = v
	}

	return map[string]interface{}{
		"processed_units": m.processed,
		"skipped_units":   copySkipped,
	}
}
