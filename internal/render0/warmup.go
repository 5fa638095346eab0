package render0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"render0/internal/logger"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// startWarmup pre-renders pages listed in the configured sitemaps so first
// visitors hit a warm cache.
func (s *Service) startWarmup() {
	if len(s.cfg.Warmup.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.Warmup.initialDelayDur
	period := s.cfg.Warmup.everyDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			queued, skipped, err := s.warmupOnce(ctx)
			if err != nil {
				s.log.Warn("warmup failed", logger.Error(err))
				return
			}
			s.log.Info("warmup scheduled", logger.Int("queued", queued), logger.Int("skipped", skipped))
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// warmupOnce walks the sitemaps (following nested indexes once) and queues a
// background render for every page that is not cached yet. Pages are skipped
// when already cached or when all warmup slots are busy.
func (s *Service) warmupOnce(ctx context.Context) (queued int, skipped int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.Warmup.Sitemaps))
	for _, sm := range s.cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return queued, skipped, ctx.Err()
		case <-s.stopCh:
			return queued, skipped, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seen[smURL]; ok {
			continue
		}
		seen[smURL] = struct{}{}

		doc, err := s.fetchSitemap(ctx, smURL)
		if err != nil {
			return queued, skipped, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		queue = append(queue, doc.Sitemaps...)

		for _, loc := range doc.URLs {
			if !isAbsoluteHTTP(loc) || s.cache.Has(cacheKey(loc)) {
				skipped++
				continue
			}
			if !s.warmURL(loc) {
				skipped++
				continue
			}
			queued++
		}
	}
	return queued, skipped, nil
}

func isAbsoluteHTTP(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// warmURL renders target in the background if a warmup slot is free.
func (s *Service) warmURL(target string) bool {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		if _, err := s.Fetch(context.Background(), target, string(FormatJSON)); err != nil {
			s.log.Debug("warmup render failed", logger.String("url", target), logger.Error(err))
		}
	}()
	return true
}

func (s *Service) fetchSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if !isSuccess(resp.StatusCode) {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may already have been decompressed by the transport.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
