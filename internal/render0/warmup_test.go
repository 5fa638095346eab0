package render0

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveXML(f *fakeUpstream, path, body string) {
	f.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(body))
	})
}

func TestWarmupOnce_FollowsIndexAndCachesPages(t *testing.T) {
	t.Parallel()
	f := newFakeUpstream(t)
	serveXML(f, "/sitemap_index.xml", `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>`+f.srv.URL+`/pages.xml</loc></sitemap>
</sitemapindex>`)
	serveXML(f, "/pages.xml", `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc> https://example.com/a </loc></url>
  <url><loc>https://example.com/b</loc></url>
  <url><loc>/relative</loc></url>
</urlset>`)
	svc, _ := newTestService(t, f, nil)
	svc.cfg.Warmup.Sitemaps = []string{f.srv.URL + "/sitemap_index.xml"}

	queued, skipped, err := svc.warmupOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, queued)
	assert.Equal(t, 1, skipped)

	require.Eventually(t, func() bool {
		return svc.cache.Has("https://example.com/a") && svc.cache.Has("https://example.com/b")
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(svc.bgSem) == 0 }, 5*time.Second, 10*time.Millisecond)

	queued, skipped, err = svc.warmupOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Equal(t, 3, skipped)
}

func TestWarmupOnce_SkipsWhenSlotsAreBusy(t *testing.T) {
	t.Parallel()
	f := newFakeUpstream(t)
	serveXML(f, "/sitemap.xml", `<urlset>
  <url><loc>https://example.com/1</loc></url>
  <url><loc>https://example.com/2</loc></url>
</urlset>`)
	svc, _ := newTestService(t, f, nil)
	svc.cfg.Warmup.Sitemaps = []string{f.srv.URL + "/sitemap.xml"}

	for range cap(svc.bgSem) {
		svc.bgSem <- struct{}{}
	}
	t.Cleanup(func() {
		for range cap(svc.bgSem) {
			<-svc.bgSem
		}
	})

	queued, skipped, err := svc.warmupOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Equal(t, 2, skipped)
	assert.Zero(t, f.contentCalls())
}

func TestFetchSitemap_Gzip(t *testing.T) {
	t.Parallel()
	f := newFakeUpstream(t)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(`<urlset><url><loc>https://example.com/z</loc></url></urlset>`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	f.mux.HandleFunc("/sitemap.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/gzip")
		_, _ = w.Write(buf.Bytes())
	})
	svc, _ := newTestService(t, f, nil)

	doc, err := svc.fetchSitemap(context.Background(), f.srv.URL+"/sitemap.xml.gz")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/z"}, doc.URLs)
}

func TestFetchSitemap_BadStatus(t *testing.T) {
	t.Parallel()
	f := newFakeUpstream(t)
	svc, _ := newTestService(t, f, nil)

	_, err := svc.fetchSitemap(context.Background(), f.srv.URL+"/nope.xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
