package render0

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"render0/internal/logger"
)

const (
	serviceContent    = "content"
	serviceScreenshot = "screenshot"

	defaultImageContentType = "image/png"

	// Upper bound on how much of a failed upstream body is kept in errors.
	maxErrorBody = 2048
)

type gotoOptions struct {
	WaitUntil string `json:"waitUntil"`
	Timeout   int64  `json:"timeout"`
}

type screenshotOptions struct {
	Type     string `json:"type"`
	FullPage bool   `json:"fullPage"`
}

// renderRequest is the JSON body accepted by both upstream endpoints.
type renderRequest struct {
	URL            string             `json:"url"`
	GotoOptions    gotoOptions        `json:"gotoOptions"`
	WaitForTimeout int64              `json:"waitForTimeout"`
	BestAttempt    bool               `json:"bestAttempt"`
	Options        *screenshotOptions `json:"options,omitempty"`
}

// upstreamClient talks to the headless-browser rendering service.
type upstreamClient struct {
	httpClient *http.Client
	log        logger.Logger
	metrics    *metrics

	contentURL    string
	screenshotURL string
	token         string

	waitUntil       string
	navTimeout      time.Duration
	captureDelay    time.Duration
	emptyRetryDelay time.Duration

	screenshotRetries int
	backoffBase       time.Duration
	imageType         string

	// sleep waits between screenshot attempts; swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func newUpstreamClient(cfg Config, httpClient *http.Client, log logger.Logger, m *metrics) *upstreamClient {
	return &upstreamClient{
		httpClient:        httpClient,
		log:               log,
		metrics:           m,
		contentURL:        cfg.Upstream.ContentURL,
		screenshotURL:     cfg.Upstream.ScreenshotURL,
		token:             cfg.Upstream.Token,
		waitUntil:         cfg.Upstream.WaitUntil,
		navTimeout:        cfg.Upstream.navTimeoutDur,
		captureDelay:      cfg.Upstream.captureDelayDur,
		emptyRetryDelay:   cfg.Upstream.emptyRetryDelayDur,
		screenshotRetries: cfg.Upstream.ScreenshotRetries,
		backoffBase:       cfg.Upstream.backoffDur,
		imageType:         cfg.Upstream.ImageType,
		sleep:             sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *upstreamClient) newRequest(target string, delay time.Duration) renderRequest {
	return renderRequest{
		URL: target,
		GotoOptions: gotoOptions{
			WaitUntil: c.waitUntil,
			Timeout:   c.navTimeout.Milliseconds(),
		},
		WaitForTimeout: delay.Milliseconds(),
		BestAttempt:    true,
	}
}

func (c *upstreamClient) endpoint(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// post sends body to base and returns status, headers and the full response body.
func (c *upstreamClient) post(ctx context.Context, service, base string, body renderRequest) (int, http.Header, []byte, error) {
	endpoint, err := c.endpoint(base)
	if err != nil {
		return 0, nil, nil, &UpstreamError{Service: service, Err: err}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, nil, nil, &UpstreamError{Service: service, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, nil, &UpstreamError{Service: service, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.observeUpstream(service, "transport_error")
		return 0, nil, nil, &UpstreamError{Service: service, Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.observeUpstream(service, "transport_error")
		return resp.StatusCode, nil, nil, &UpstreamError{Service: service, StatusCode: resp.StatusCode, Err: err}
	}
	c.metrics.observeUpstream(service, statusOutcome(resp.StatusCode))
	return resp.StatusCode, resp.Header, b, nil
}

func statusOutcome(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "ok"
	case status == http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "error"
	}
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

func errorBody(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return strings.TrimSpace(string(b))
}

// FetchMarkup asks the content endpoint for rendered HTML. An empty body is
// retried once with a longer settle delay; a second empty body is returned
// as-is and left for the caller to judge.
func (c *upstreamClient) FetchMarkup(ctx context.Context, target string) (MarkupResult, error) {
	res, err := c.fetchMarkupOnce(ctx, target, c.captureDelay)
	if err != nil {
		return MarkupResult{}, err
	}
	if strings.TrimSpace(res.Body) != "" {
		return res, nil
	}

	delay := c.captureDelay + c.emptyRetryDelay
	c.log.Warn("content upstream returned empty body, retrying with longer delay",
		logger.String("url", target),
		logger.Duration("delay", delay),
	)
	return c.fetchMarkupOnce(ctx, target, delay)
}

func (c *upstreamClient) fetchMarkupOnce(ctx context.Context, target string, delay time.Duration) (MarkupResult, error) {
	status, hdr, body, err := c.post(ctx, serviceContent, c.contentURL, c.newRequest(target, delay))
	if err != nil {
		return MarkupResult{}, err
	}
	if !isSuccess(status) {
		return MarkupResult{}, &UpstreamError{Service: serviceContent, StatusCode: status, Body: errorBody(body)}
	}
	return MarkupResult{Body: string(body), ContentType: hdr.Get("Content-Type")}, nil
}

// FetchScreenshot captures a full-page image. Only 429 responses are retried,
// waiting backoffBase*i before retry i.
func (c *upstreamClient) FetchScreenshot(ctx context.Context, target string) (Screenshot, error) {
	req := c.newRequest(target, c.captureDelay)
	req.Options = &screenshotOptions{Type: c.imageType, FullPage: true}

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			wait := c.backoffBase * time.Duration(attempt)
			c.metrics.screenshotRetries.Inc()
			c.log.Info("screenshot upstream rate limited, backing off",
				logger.String("url", target),
				logger.Int("retry", attempt),
				logger.Duration("wait", wait),
			)
			if err := c.sleep(ctx, wait); err != nil {
				return Screenshot{}, &UpstreamError{Service: serviceScreenshot, StatusCode: http.StatusTooManyRequests, Err: err}
			}
		}

		status, hdr, body, err := c.post(ctx, serviceScreenshot, c.screenshotURL, req)
		if err != nil {
			return Screenshot{}, err
		}
		if isSuccess(status) {
			ct := hdr.Get("Content-Type")
			if ct == "" {
				ct = defaultImageContentType
			}
			return Screenshot{
				ImageBase64: base64.StdEncoding.EncodeToString(body),
				ContentType: ct,
			}, nil
		}
		if status != http.StatusTooManyRequests {
			return Screenshot{}, &UpstreamError{Service: serviceScreenshot, StatusCode: status, Body: errorBody(body)}
		}
		if attempt >= c.screenshotRetries {
			return Screenshot{}, &UpstreamError{
				Service:    serviceScreenshot,
				StatusCode: status,
				Body:       errorBody(body),
				Err:        fmt.Errorf("still rate limited after %d retries", c.screenshotRetries),
			}
		}
	}
}
