package render0

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"render0/internal/logger"
)

const defaultHTMLContentType = "text/html; charset=utf-8"

// Service is the fetch orchestrator: cache in front of the rendering
// service, with stylesheet inlining on the way in.
type Service struct {
	cfg Config
	log logger.Logger

	httpClient *http.Client

	cache    *resultCache
	upstream *upstreamClient
	inliner  *stylesheetInliner

	metrics *metrics
	stats   *statsCollector

	bgSem chan struct{}

	keepAlive *cron.Cron

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, log logger.Logger) (*Service, error) {
	cache, err := newResultCache(cfg.Cache.ttlDur, cfg.Cache.MaxEntries, log.With(logger.String("component", "cache")))
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      cache,
		stats:      newStatsCollector(),
		bgSem:      make(chan struct{}, cfg.Warmup.Concurrency),
		stopCh:     make(chan struct{}),
	}
	s.metrics = newMetrics(func() float64 { return float64(s.cache.Len()) })

	// Upstream renders may legitimately take the whole navigation timeout plus
	// the settle delays, so they get their own client.
	upstreamHTTP := &http.Client{
		Timeout: cfg.Upstream.navTimeoutDur + cfg.Upstream.captureDelayDur + cfg.Upstream.emptyRetryDelayDur + 15*time.Second,
	}
	s.upstream = newUpstreamClient(cfg, upstreamHTTP, log.With(logger.String("component", "upstream")), s.metrics)
	s.inliner = newStylesheetInliner(cfg, s.httpClient, log.With(logger.String("component", "stylesheets")), s.metrics)

	if cfg.Upstream.Token == "" {
		log.Warn("upstream token is not configured, every fetch will fail until RENDER_TOKEN is set")
	}

	if cfg.Logging.statsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.statsEveryDur)
		}()
	}

	if err := s.startKeepAlive(); err != nil {
		s.Close()
		return nil, err
	}
	s.startWarmup()

	return s, nil
}

func (s *Service) Close() {
	if s.keepAlive != nil {
		<-s.keepAlive.Stop().Done()
	}
	close(s.stopCh)
	s.wg.Wait()
	s.cache.close()
}

// Fetch returns the rendered page for target, from cache when possible.
// format only selects the response shape; the screenshot is fetched and
// cached either way.
func (s *Service) Fetch(ctx context.Context, target, format string) (Response, error) {
	start := time.Now()

	key := cacheKey(target)
	if key == "" {
		return Response{}, &ValidationError{Field: "url", Reason: "must not be empty"}
	}
	if s.cfg.Upstream.Token == "" {
		return Response{}, &ConfigurationError{Setting: "upstream.token (RENDER_TOKEN)"}
	}

	resp := Response{URL: key, Format: parseFormat(format)}

	if res, ok := s.cache.Get(key); ok {
		resp.Source, resp.Result = SourceHit, res
		s.stats.Hit()
		s.metrics.observeCache(SourceHit)
		s.metrics.observeFetch(SourceHit, time.Since(start))
		return resp, nil
	}
	s.stats.Miss()
	s.metrics.observeCache(SourceMiss)

	// A client going away must not abort the upstream calls or the cache write.
	res, err := s.fetchFresh(context.WithoutCancel(ctx), key)
	if err != nil {
		s.log.Warn("fetch failed", logger.String("url", key), logger.Error(err))
		return Response{}, err
	}
	resp.Source, resp.Result = SourceMiss, res
	s.metrics.observeFetch(SourceMiss, time.Since(start))
	return resp, nil
}

func (s *Service) fetchFresh(ctx context.Context, key string) (FetchResult, error) {
	var (
		markup  MarkupResult
		shot    Screenshot
		shotErr error
	)

	// Both calls run to completion; a markup failure does not cancel the
	// screenshot and the screenshot never fails the group.
	var g errgroup.Group
	g.Go(func() error {
		var err error
		markup, err = s.upstream.FetchMarkup(ctx, key)
		return err
	})
	g.Go(func() error {
		shot, shotErr = s.upstream.FetchScreenshot(ctx, key)
		return nil
	})
	if err := g.Wait(); err != nil {
		return FetchResult{}, fmt.Errorf("fetch markup: %w", err)
	}
	if strings.TrimSpace(markup.Body) == "" {
		return FetchResult{}, &EmptyBodyError{URL: key}
	}

	res := FetchResult{
		HTML:            markup.Body,
		HTMLContentType: markup.ContentType,
	}
	if res.HTMLContentType == "" {
		res.HTMLContentType = defaultHTMLContentType
	}

	if shotErr != nil {
		s.log.Warn("screenshot unavailable, continuing with markup only",
			logger.String("url", key), logger.Error(shotErr))
		res.ScreenshotWarning = "screenshot unavailable: " + shotErr.Error()
	} else {
		res.Screenshot = &shot
	}

	if isHTML(res.HTMLContentType, res.HTML) {
		res.HTML = s.postProcess(ctx, key, res.HTML)
	}

	if err := s.cache.Put(key, res); err != nil {
		s.log.Warn("cache write failed", logger.String("url", key), logger.Error(err))
	}
	return res, nil
}

// postProcess inlines stylesheets. Any failure yields the unprocessed markup.
func (s *Service) postProcess(ctx context.Context, pageURL, markup string) (out string) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("stylesheet inlining panicked, serving unprocessed markup",
				logger.String("url", pageURL), logger.String("panic", fmt.Sprint(r)))
			out = markup
		}
	}()
	return s.inliner.Inline(ctx, pageURL, markup)
}
