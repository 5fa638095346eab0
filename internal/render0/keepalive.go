package render0

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"render0/internal/logger"
)

// startKeepAlive schedules a GET of our own health endpoint so hosting
// platforms that idle out quiet instances keep this one warm. It is off
// unless both server.publicUrl and server.keepAlive are set.
func (s *Service) startKeepAlive() error {
	every := s.cfg.Server.keepAliveDur
	if s.cfg.Server.PublicURL == "" || every <= 0 {
		return nil
	}
	target := s.cfg.Server.PublicURL + "/health"

	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), func() {
		s.pingOnce(target)
	}); err != nil {
		return fmt.Errorf("schedule keep-alive: %w", err)
	}
	c.Start()
	s.keepAlive = c

	s.log.Info("keep-alive enabled", logger.String("target", target), logger.Duration("every", every))
	return nil
}

func (s *Service) pingOnce(target string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		s.log.Warn("keep-alive request", logger.Error(err))
		return
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("keep-alive ping failed", logger.String("target", target), logger.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		s.log.Warn("keep-alive ping unhealthy", logger.String("target", target), logger.Int("status", resp.StatusCode))
		return
	}
	s.log.Debug("keep-alive ping ok", logger.String("target", target))
}
