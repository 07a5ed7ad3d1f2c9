package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jarcoal/httpmock"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/aluiziolira/go-scrape-elections/models"
	"github.com/aluiziolira/go-scrape-elections/parser"
	"github.com/aluiziolira/go-scrape-elections/pipeline"
)

const (
	testIndexURL = "http://example.test/volby/ps32?xkraj=12"
	testBase     = "http://example.test/volby/"
)

func TestRetryManagerScheduleRespectsLimit(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MaxRetries = 2
	cfg.RetryBackoff = time.Hour
	cfg.RetryBackoffMax = time.Hour

	rm := newRetryManager(cfg, NewMetrics())

	if _, ok := rm.Schedule(0); !ok {
		t.Fatalf("first retry should be scheduled")
	}
	if _, ok := rm.Schedule(1); !ok {
		t.Fatalf("second retry should be scheduled")
	}
	if _, ok := rm.Schedule(2); ok {
		t.Fatalf("third retry should not be scheduled")
	}
	if _, ok := rm.Schedule(0); !ok {
		t.Fatalf("a new fetch starts with a fresh budget")
	}

	if got := rm.TotalRetries(); got != 3 {
		t.Fatalf("total retries = %d, want 3", got)
	}
}

func TestRetryManagerBackoffCapped(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetryBackoff = 200 * time.Millisecond
	cfg.RetryBackoffMax = 500 * time.Millisecond

	rm := newRetryManager(cfg, NewMetrics())

	if delay := rm.backoff(1); delay != 200*time.Millisecond {
		t.Fatalf("first delay = %v, want 200ms", delay)
	}
	if delay := rm.backoff(4); delay > cfg.RetryBackoffMax {
		t.Fatalf("delay %v exceeds max %v", delay, cfg.RetryBackoffMax)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		statusCode int
		expected   string
	}{
		{name: "nil", err: nil, statusCode: 0, expected: "unknown"},
		{name: "context timeout", err: context.DeadlineExceeded, statusCode: 0, expected: "timeout"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, statusCode: 0, expected: "timeout"},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, statusCode: 0, expected: "connection"},
		{name: "forbidden", err: nil, statusCode: http.StatusForbidden, expected: "forbidden"},
		{name: "not found", err: nil, statusCode: http.StatusNotFound, expected: "not_found"},
		{name: "rate limited", err: nil, statusCode: http.StatusTooManyRequests, expected: "rate_limited"},
		{name: "server error", err: errors.New("Internal Server Error"), statusCode: http.StatusInternalServerError, expected: "http_status"},
		{name: "structural", err: &parser.StructuralError{Op: "summary table", Err: parser.ErrMissingSummaryTable}, statusCode: 0, expected: "missing_summary_table"},
		{name: "other", err: errors.New("some other error"), statusCode: 0, expected: "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errorTypeLabel(classifyError(tt.err, tt.statusCode)); got != tt.expected {
				t.Fatalf("classifyError(%v, %d) = %q, want %q", tt.err, tt.statusCode, got, tt.expected)
			}
		})
	}
}

type collectingWriter struct {
	mu     sync.Mutex
	tables []*pipeline.Table
}

func (cw *collectingWriter) Write(table *pipeline.Table) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.tables = append(cw.tables, table)
	return nil
}

func (cw *collectingWriter) Close() error {
	return nil
}

func (cw *collectingWriter) Validate() error {
	return nil
}

func (cw *collectingWriter) Last() *pipeline.Table {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if len(cw.tables) == 0 {
		return nil
	}
	return cw.tables[len(cw.tables)-1]
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.IndexURL = testIndexURL
	cfg.MaxRetries = 0
	cfg.RetryBackoff = time.Millisecond
	cfg.RetryBackoffMax = time.Millisecond
	return cfg
}

func newTestScraper(t *testing.T, cfg *config.Config, transport *httpmock.MockTransport) *Scraper {
	t.Helper()
	s, err := NewScraper(cfg)
	if err != nil {
		t.Fatalf("new scraper: %v", err)
	}
	s.collector.WithTransport(transport)
	return s
}

func runScraper(t *testing.T, s *Scraper) (*models.ScraperResult, *pipeline.Table, error) {
	t.Helper()
	writer := &collectingWriter{}
	p, err := pipeline.NewPipeline(writer, 1000)
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	result, runErr := s.Run(context.Background(), p)
	if runErr != nil {
		return nil, nil, runErr
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close pipeline: %v", err)
	}
	return result, writer.Last(), nil
}

func TestScraper_Integration(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testIndexURL, htmlResponder(buildIndexPage([][2]string{
		{"100", "VillageA"}, {"200", "VillageB"}, {"300", "VillageC"},
	})))
	transport.RegisterResponder("GET", testBase+"ps311?xobec=100", htmlResponder(buildUnitPage("100 VillageA",
		[]string{"x", "x", "x", "1 500", "1200", "x", "x", "1180"},
		[][2]string{{"PartyX", "10"}, {"PartyY", "5"}})))
	transport.RegisterResponder("GET", testBase+"ps311?xobec=200", htmlResponder(
		"<html><body><h3>200 VillageB</h3><p>results withheld</p></body></html>"))
	transport.RegisterResponder("GET", testBase+"ps311?xobec=300", htmlResponder(buildUnitPage("300 VillageC",
		[]string{"x", "x", "x", "80", "70", "x", "x", "69"},
		[][2]string{{"PartyZ", "3"}})))

	s := newTestScraper(t, cfg, transport)
	result, table, err := runScraper(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if result.UnitCount != 3 || result.ParsedCount != 2 || result.SkippedCount != 1 {
		t.Fatalf("units=%d parsed=%d skipped=%d, want 3/2/1", result.UnitCount, result.ParsedCount, result.SkippedCount)
	}
	if table.Len() != 2 {
		t.Fatalf("rows = %d, want 2", table.Len())
	}

	want := [][]string{
		{"100", "VillageA", "1500", "1200", "1180", "10", "5", "0"},
		{"300", "VillageC", "80", "70", "69", "0", "0", "3"},
	}
	got := [][]string{table.Row(0), table.Row(1)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestScraperSkipsUnitOnRetrievalError(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testIndexURL, htmlResponder(buildIndexPage([][2]string{
		{"100", "VillageA"}, {"404", "Gone"},
	})))
	transport.RegisterResponder("GET", testBase+"ps311?xobec=100", htmlResponder(buildUnitPage("100 VillageA",
		[]string{"x", "x", "x", "1", "1", "x", "x", "1"}, [][2]string{{"PartyX", "1"}})))
	transport.RegisterResponder("GET", testBase+"ps311?xobec=404", httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, cfg, transport)
	result, table, err := runScraper(t, s)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("rows = %d, want 1", table.Len())
	}
	if result.ErrorsByType["not_found"] == 0 {
		t.Fatalf("expected not_found classification, got %v", result.ErrorsByType)
	}
	if len(result.FailedURLs) != 1 || result.FailedURLs[0] != testBase+"ps311?xobec=404" {
		t.Fatalf("failed urls = %v", result.FailedURLs)
	}
}

func TestScraperIndexFailuresAreFatal(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		check     func(error) bool
	}{
		{
			name:      "index not found",
			responder: httpmock.NewStringResponder(http.StatusNotFound, ""),
			check: func(err error) bool {
				var re *RetrievalError
				return errors.As(err, &re)
			},
		},
		{
			name:      "index without tables",
			responder: htmlResponder("<html><body><p>maintenance</p></body></html>"),
			check: func(err error) bool {
				return errors.Is(err, parser.ErrNoTables)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", testIndexURL, tt.responder)

			s := newTestScraper(t, testConfig(), transport)
			_, _, err := runScraper(t, s)
			if err == nil || !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestScraperHTTPStatusClassification(t *testing.T) {
	tests := []struct {
		status   int
		expected string
	}{
		{status: http.StatusTooManyRequests, expected: "rate_limited"},
		{status: http.StatusForbidden, expected: "forbidden"},
		{status: http.StatusNotFound, expected: "not_found"},
		{status: http.StatusBadGateway, expected: "http_status"},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			transport := httpmock.NewMockTransport()
			transport.RegisterResponder("GET", testIndexURL, httpmock.NewStringResponder(tt.status, ""))

			s := newTestScraper(t, testConfig(), transport)
			_, err := s.Fetch(context.Background(), testIndexURL)
			if err == nil {
				t.Fatalf("expected error for status %d", tt.status)
			}
			if got := errorTypeLabel(err); got != tt.expected {
				t.Fatalf("label = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestFetchRetriesTransientFailures(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2

	var calls int32
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testIndexURL, func(req *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
		}
		resp := httpmock.NewStringResponse(http.StatusOK, buildIndexPage([][2]string{{"1", "A"}}))
		resp.Header.Set("Content-Type", "text/html; charset=utf-8")
		return resp, nil
	})

	s := newTestScraper(t, cfg, transport)
	doc, err := s.Fetch(context.Background(), testIndexURL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if doc.Find("table.table").Length() != 1 {
		t.Fatalf("unexpected document")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if got := s.retry.TotalRetries(); got != 1 {
		t.Fatalf("retries = %d, want 1", got)
	}
}

func TestFetchDoesNotRetryNotFound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testIndexURL, httpmock.NewStringResponder(http.StatusNotFound, ""))

	s := newTestScraper(t, cfg, transport)
	if _, err := s.Fetch(context.Background(), testIndexURL); err == nil {
		t.Fatalf("expected error")
	}
	if got := transport.GetTotalCallCount(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestFetchRetryBudgetIsPerCall(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testIndexURL, httpmock.NewStringResponder(http.StatusServiceUnavailable, ""))

	s := newTestScraper(t, cfg, transport)
	for i := 0; i < 2; i++ {
		if _, err := s.Fetch(context.Background(), testIndexURL); err == nil {
			t.Fatalf("fetch %d: expected error", i+1)
		}
	}
	if got := transport.GetTotalCallCount(); got != 4 {
		t.Fatalf("calls = %d, want 4 (one retry per fetch)", got)
	}
	if got := s.retry.TotalRetries(); got != 2 {
		t.Fatalf("retries = %d, want 2", got)
	}
}

func TestRunReportsDiscoveryBeforeFetchingUnits(t *testing.T) {
	cfg := testConfig()

	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("GET", testIndexURL, htmlResponder(buildIndexPage([][2]string{
		{"100", "VillageA"}, {"200", "VillageB"},
	})))
	for _, code := range []string{"100", "200"} {
		transport.RegisterResponder("GET", testBase+"ps311?xobec="+code, htmlResponder(buildUnitPage(code+" Village",
			[]string{"x", "x", "x", "1", "1", "x", "x", "1"}, [][2]string{{"PartyX", "1"}})))
	}

	s := newTestScraper(t, cfg, transport)
	discovered, callsAtDiscovery := -1, -1
	s.OnDiscovered = func(links []models.UnitLink) {
		discovered = len(links)
		callsAtDiscovery = transport.GetTotalCallCount()
	}

	if _, _, err := runScraper(t, s); err != nil {
		t.Fatalf("run: %v", err)
	}
	if discovered != 2 {
		t.Fatalf("discovered = %d, want 2", discovered)
	}
	if callsAtDiscovery != 1 {
		t.Fatalf("requests before discovery callback = %d, want 1 (index only)", callsAtDiscovery)
	}
}

func TestScrapeUnitsPreservesOrderInParallel(t *testing.T) {
	cfg := testConfig()
	cfg.Parallelism = 4

	transport := httpmock.NewMockTransport()
	var links []models.UnitLink
	for i := 1; i <= 12; i++ {
		code := fmt.Sprintf("%d", i)
		u := testBase + "ps311?xobec=" + code
		links = append(links, models.UnitLink{DisplayName: "Unit " + code, TargetURL: u})
		transport.RegisterResponder("GET", u, htmlResponder(buildUnitPage(code+" Unit",
			[]string{"x", "x", "x", "1", "1", "x", "x", "1"}, [][2]string{{"P", code}})))
	}

	s := newTestScraper(t, cfg, transport)
	results := s.ScrapeUnits(context.Background(), links)

	for i, res := range results {
		if !res.OK() {
			t.Fatalf("unit %d failed: %v", i, res.Err)
		}
		if res.Index != i || res.Record.Code != fmt.Sprintf("%d", i+1) {
			t.Fatalf("result %d has index %d code %q", i, res.Index, res.Record.Code)
		}
	}
}

func TestScrapeUnitsCanceled(t *testing.T) {
	transport := httpmock.NewMockTransport()
	s := newTestScraper(t, testConfig(), transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	links := []models.UnitLink{
		{DisplayName: "A", TargetURL: testBase + "ps311?xobec=1"},
		{DisplayName: "B", TargetURL: testBase + "ps311?xobec=2"},
	}
	results := s.ScrapeUnits(ctx, links)
	for i, res := range results {
		if res.OK() || !errors.Is(res.Err, context.Canceled) || res.Reason != "canceled" {
			t.Fatalf("result %d = %+v, want canceled", i, res)
		}
	}
}

func htmlResponder(body string) httpmock.Responder {
	resp := httpmock.NewStringResponse(200, body)
	resp.Header.Set("Content-Type", "text/html; charset=utf-8")
	return httpmock.ResponderFromResponse(resp)
}

func buildIndexPage(units [][2]string) string {
	var builder strings.Builder
	builder.WriteString(`<html><body><table class="table"><tr><th colspan="3">Obec</th></tr><tr><th>číslo</th><th>název</th><th>výběr</th></tr>`)
	for _, u := range units {
		fmt.Fprintf(&builder, `<tr><td><a href="ps311?xobec=%s">%s</a></td><td>%s</td><td>X</td></tr>`, u[0], u[0], u[1])
	}
	builder.WriteString("</table></body></html>")
	return builder.String()
}

func buildUnitPage(heading string, summary []string, parties [][2]string) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "<html><body><h3>%s</h3>", heading)
	builder.WriteString(`<table class="table" id="ps311_t1"><tr><th colspan="8">Summary</th></tr><tr><th>a</th></tr><tr>`)
	for _, c := range summary {
		fmt.Fprintf(&builder, "<td>%s</td>", c)
	}
	builder.WriteString("</tr></table>")
	builder.WriteString(`<table class="table"><tr><th colspan="3">Strana</th></tr><tr><th>číslo</th><th>název</th><th>celkem</th></tr>`)
	for i, p := range parties {
		fmt.Fprintf(&builder, "<tr><td>%d</td><td>%s</td><td>%s</td></tr>", i+1, p[0], p[1])
	}
	builder.WriteString("</table></body></html>")
	return builder.String()
}
