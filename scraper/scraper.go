package scraper

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-scrape-elections/config"
	"github.com/aluiziolira/go-scrape-elections/models"
	"github.com/aluiziolira/go-scrape-elections/parser"
	"github.com/aluiziolira/go-scrape-elections/pipeline"
)

const (
	ctxStart    = "start"
	ctxDocument = "document"
	ctxParseErr = "parse_error"
	ctxStatus   = "status"
)

// Scraper fetches the index page and every unit page it links to.
type Scraper struct {
	cfg       *config.Config
	collector *colly.Collector
	retry     *retryManager
	Metrics   *Metrics

	// OnDiscovered, when set, is called once the index page has been read
	// and before any unit page is fetched.
	OnDiscovered func(links []models.UnitLink)

	requestCount int64
	errorCount   int64

	mu           sync.Mutex
	failedURLs   []string
	errorsByType map[string]int
}

// NewScraper builds a scraper instance configured from cfg.
func NewScraper(cfg *config.Config) (*Scraper, error) {
	domains, err := allowedDomains(cfg.IndexURL, cfg.UnitBaseURL())
	if err != nil {
		return nil, err
	}

	collector := colly.NewCollector(
		colly.AllowedDomains(domains...),
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)

	collector.SetRequestTimeout(cfg.Timeout)
	collector.IgnoreRobotsTxt = !cfg.RespectRobotsTxt
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.Parallelism,
		Delay:       cfg.Delay,
		RandomDelay: cfg.RandomDelay,
	}); err != nil {
		return nil, fmt.Errorf("configure rate limits: %w", err)
	}

	s := &Scraper{
		cfg:          cfg,
		collector:    collector,
		errorsByType: make(map[string]int),
		Metrics:      NewMetrics(),
	}
	s.retry = newRetryManager(cfg, s.Metrics)
	s.configureHandlers()
	return s, nil
}

func allowedDomains(urls ...string) ([]string, error) {
	var domains []string
	seen := make(map[string]struct{})
	for _, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse url %q: %w", raw, err)
		}
		if parsed.Host == "" {
			return nil, fmt.Errorf("url %q must include a host", raw)
		}
		host := parsed.Hostname()
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		domains = append(domains, host)
	}
	return domains, nil
}

// Run discovers the units listed on the index page, scrapes each of them
// and feeds the results to p in discovery order. Failures on the index page
// are returned; failures on a unit are logged and the unit is skipped.
func (s *Scraper) Run(ctx context.Context, p *pipeline.Pipeline) (*models.ScraperResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	indexDoc, err := s.Fetch(ctx, s.cfg.IndexURL)
	if err != nil {
		return nil, fmt.Errorf("fetch index: %w", err)
	}
	links, err := parser.DiscoverLinks(indexDoc, s.cfg.UnitBaseURL())
	if err != nil {
		return nil, fmt.Errorf("discover units: %w", err)
	}
	slog.Info("discovered units",
		slog.Int("units", len(links)),
		slog.String("index_url", s.cfg.IndexURL),
	)
	if s.OnDiscovered != nil {
		s.OnDiscovered(links)
	}

	results := s.ScrapeUnits(ctx, links)

	parsed := 0
	for _, res := range results {
		if res.OK() {
			parsed++
			s.Metrics.IncParsed()
			continue
		}
		s.Metrics.IncSkipped(res.Reason)
		slog.Warn("skipping unit",
			slog.String("unit", res.Link.DisplayName),
			slog.String("url", res.Link.TargetURL),
			slog.String("reason", res.Reason),
			slog.Any("error", res.Err),
		)
	}

	if err := p.Process(results...); err != nil {
		return nil, fmt.Errorf("process unit results: %w", err)
	}

	return &models.ScraperResult{
		StartTime:    start,
		EndTime:      time.Now(),
		UnitCount:    len(links),
		ParsedCount:  parsed,
		SkippedCount: len(results) - parsed,
		ErrorCount:   int(atomic.LoadInt64(&s.errorCount)),
		FailedURLs:   s.snapshotFailedURLs(),
		ErrorsByType: s.snapshotErrors(),
		RetryCount:   s.retry.TotalRetries(),
		RequestCount: int(atomic.LoadInt64(&s.requestCount)),
	}, nil
}

// ScrapeUnits fetches and parses every link using up to cfg.Parallelism
// workers. The result slice is in link order. Links not started before ctx
// is cancelled are reported as canceled.
func (s *Scraper) ScrapeUnits(ctx context.Context, links []models.UnitLink) []models.UnitResult {
	results := make([]models.UnitResult, len(links))
	if len(links) == 0 {
		return results
	}

	workers := s.cfg.Parallelism
	if workers <= 0 {
		workers = 1
	}
	if workers > len(links) {
		workers = len(links)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				results[i] = s.scrapeUnit(ctx, i, links[i])
			}
		}()
	}

	next := 0
feed:
	for ; next < len(links); next++ {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- next:
		}
	}
	close(jobs)
	wg.Wait()

	for i := next; i < len(links); i++ {
		results[i] = models.UnitResult{Index: i, Link: links[i], Err: ctx.Err(), Reason: "canceled"}
	}
	return results
}

func (s *Scraper) scrapeUnit(ctx context.Context, index int, link models.UnitLink) models.UnitResult {
	res := models.UnitResult{Index: index, Link: link}

	doc, err := s.Fetch(ctx, link.TargetURL)
	if err != nil {
		res.Err = err
		res.Reason = errorTypeLabel(err)
		return res
	}
	record, err := parser.ParseUnit(doc, link.TargetURL)
	if err != nil {
		res.Err = err
		res.Reason = errorTypeLabel(err)
		return res
	}
	if link.DisplayName != "" {
		record.Location = link.DisplayName
	}
	slog.Debug("parsed unit",
		slog.String("code", record.Code),
		slog.String("location", record.Location),
		slog.Int("candidates", record.Votes.Len()),
	)
	res.Record = record
	return res
}

// Fetch retrieves target and parses it into a document, retrying transient
// failures with capped exponential backoff. Each call has its own retry
// budget, so a URL fetched twice is retried both times.
func (s *Scraper) Fetch(ctx context.Context, target string) (*goquery.Document, error) {
	for retried := 0; ; retried++ {
		if err := ctx.Err(); err != nil {
			return nil, &RetrievalError{URL: target, Err: err}
		}

		doc, err := s.fetchOnce(target)
		if err == nil {
			return doc, nil
		}

		atomic.AddInt64(&s.errorCount, 1)
		category := errorTypeLabel(err)
		s.mu.Lock()
		s.errorsByType[category]++
		s.mu.Unlock()
		s.Metrics.IncError(category)
		slog.Error("request error",
			slog.String("url", target),
			slog.String("category", category),
			slog.Any("error", err),
		)

		if retryable(err) {
			if delay, ok := s.retry.Schedule(retried); ok {
				slog.Debug("retrying request", slog.String("url", target), slog.Duration("delay", delay))
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, &RetrievalError{URL: target, Err: ctx.Err()}
				case <-timer.C:
				}
				continue
			}
		}

		s.mu.Lock()
		s.failedURLs = append(s.failedURLs, target)
		s.mu.Unlock()
		return nil, &RetrievalError{URL: target, Err: err}
	}
}

func (s *Scraper) fetchOnce(target string) (*goquery.Document, error) {
	reqCtx := colly.NewContext()
	err := s.collector.Request(http.MethodGet, target, nil, reqCtx, nil)
	if err != nil {
		status, _ := reqCtx.GetAny(ctxStatus).(int)
		return nil, classifyError(err, status)
	}
	if parseErr, ok := reqCtx.GetAny(ctxParseErr).(error); ok {
		return nil, fmt.Errorf("parse html: %w", parseErr)
	}
	doc, ok := reqCtx.GetAny(ctxDocument).(*goquery.Document)
	if !ok || doc == nil {
		return nil, fmt.Errorf("no document received for %s", target)
	}
	return doc, nil
}

func (s *Scraper) configureHandlers() {
	s.collector.OnRequest(func(r *colly.Request) {
		r.Ctx.Put(ctxStart, time.Now())
		current := atomic.AddInt64(&s.requestCount, 1)
		s.Metrics.IncRequest("started")
		if current%50 == 0 {
			slog.Debug("scraper request progress",
				slog.Int64("requests", current),
				slog.String("url", r.URL.String()),
			)
		}
	})

	s.collector.OnResponse(func(r *colly.Response) {
		s.observe(r)
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			r.Ctx.Put(ctxParseErr, err)
			return
		}
		r.Ctx.Put(ctxDocument, doc)
	})

	s.collector.OnError(func(r *colly.Response, err error) {
		if r == nil || r.Ctx == nil {
			return
		}
		s.observe(r)
		r.Ctx.Put(ctxStatus, r.StatusCode)
		if r.StatusCode >= http.StatusBadRequest && r.Request != nil {
			slog.Debug("non-2xx response",
				slog.Int("status", r.StatusCode),
				slog.String("url", r.Request.URL.String()),
			)
		}
	})
}

func (s *Scraper) observe(r *colly.Response) {
	if r.Request == nil || r.Ctx == nil {
		return
	}
	if start, ok := r.Ctx.GetAny(ctxStart).(time.Time); ok {
		s.Metrics.ObserveDuration(time.Since(start))
	}
}

func (s *Scraper) snapshotFailedURLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.failedURLs))
	copy(out, s.failedURLs)
	return out
}

func (s *Scraper) snapshotErrors() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.errorsByType))
	for k, v := range s.errorsByType {
		out[k] = v
	}
	return out
}
