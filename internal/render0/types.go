package render0

// FetchResult is what gets cached per target address and replayed on hits.
type FetchResult struct {
	HTML            string
	HTMLContentType string

	// Screenshot is nil when every capture attempt failed; ScreenshotWarning
	// then says why. Exactly one of the two is set after a miss.
	Screenshot        *Screenshot
	ScreenshotWarning string
}

type Screenshot struct {
	ImageBase64 string
	ContentType string
}

// MarkupResult is the raw answer of the content endpoint.
type MarkupResult struct {
	Body        string
	ContentType string
}

// Format selects the response shape. Anything other than FormatJSON means
// raw markup.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

func parseFormat(s string) Format {
	if Format(s) == FormatJSON {
		return FormatJSON
	}
	return FormatHTML
}

// Source tells whether a response was served from cache.
type Source string

const (
	SourceHit  Source = "hit"
	SourceMiss Source = "miss"
)

// Response is a fetched or replayed result plus the requested shape.
type Response struct {
	URL    string
	Format Format
	Source Source
	Result FetchResult
}

// JSONPayload is the body returned for format=json. Absent screenshot fields
// serialize as null.
type JSONPayload struct {
	URL                   string  `json:"url"`
	HTML                  string  `json:"html"`
	ContentType           string  `json:"contentType"`
	Screenshot            *string `json:"screenshot"`
	ScreenshotContentType *string `json:"screenshotContentType"`
	ScreenshotWarning     *string `json:"screenshotWarning"`
}

func (r Response) JSON() JSONPayload {
	p := JSONPayload{
		URL:         r.URL,
		HTML:        r.Result.HTML,
		ContentType: r.Result.HTMLContentType,
	}
	if shot := r.Result.Screenshot; shot != nil {
		img, ct := shot.ImageBase64, shot.ContentType
		p.Screenshot = &img
		p.ScreenshotContentType = &ct
	}
	if w := r.Result.ScreenshotWarning; w != "" {
		p.ScreenshotWarning = &w
	}
	return p
}

// Raw returns the markup body and its content type. The screenshot is not
// part of this shape.
func (r Response) Raw() ([]byte, string) {
	return []byte(r.Result.HTML), r.Result.HTMLContentType
}
