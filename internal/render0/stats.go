package render0

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"render0/internal/logger"
)

type statsCollector struct {
	hits   atomic.Uint64
	misses atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Hit()  { s.hits.Add(1) }
func (s *statsCollector) Miss() { s.misses.Add(1) }

// Observe records the size of one response written to a client.
func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Hits           uint64
	Misses         uint64
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	fields := []logger.Field{
		logger.Int("entries", s.cache.Len()),
		logger.String("cache_size", humanize.Bytes(uint64(s.cache.TotalSize()))),
		logger.Int64("hits", int64(ss.Hits)),
		logger.Int64("misses", int64(ss.Misses)),
		logger.String("resp_min", humanize.Bytes(ss.MinRespBytes)),
		logger.String("resp_avg", humanize.Bytes(ss.AvgRespBytes)),
		logger.String("resp_max", humanize.Bytes(ss.MaxRespBytes)),
	}
	if rss, ok := processRSSBytes(); ok {
		fields = append(fields, logger.String("rss", humanize.Bytes(rss)))
	}
	s.log.Info("cache stats", fields...)
}
