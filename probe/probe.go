// Package probe pre-checks an HTTP(S)/FTP download URL before it is
// admitted or submitted to the daemon: it resolves redirects, reads the
// advertised size and filename, and rejects URLs that resolve to
// disallowed network ranges.
package probe

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTimeout is the total request timeout for a probe.
	DefaultTimeout = 30 * time.Second
	// MaxRedirects bounds the redirect chain a probe will follow.
	MaxRedirects = 10
)

// Result is the outcome of probing a URL.
type Result struct {
	OK          bool
	FinalURL    string
	Size        int64 // -1 if unknown
	Filename    string
	ContentType string
	Err         string
}

// Prober issues HEAD (with a GET fallback) requests against candidate
// download URLs.
type Prober struct {
	Client *http.Client
}

// New returns a Prober with the given total per-request timeout and
// redirect cap. client's Timeout and CheckRedirect are set by New.
func New(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", MaxRedirects)
			}
			return nil
		},
	}
	return &Prober{Client: client}
}

// Probe sends a HEAD request following redirects; if it fails without a
// clear HTTP status error, it retries once with GET (some origins reject
// HEAD).
func (p *Prober) Probe(rawURL string) Result {
	result := p.probeOnce(http.MethodHead, rawURL)
	if result.OK || strings.HasPrefix(result.Err, "HTTP ") {
		return result
	}
	return p.probeOnce(http.MethodGet, rawURL)
}

func (p *Prober) probeOnce(method, rawURL string) Result {
	req, err := http.NewRequest(method, rawURL, nil)
	if err != nil {
		return Result{OK: false, Size: -1, Err: fmt.Sprintf("bad url: %s", err)}
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{OK: false, Size: -1, Err: fmt.Sprintf("connection error: %s", err)}
	}
	defer resp.Body.Close()

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if resp.StatusCode >= 400 {
		return Result{
			OK:       false,
			FinalURL: finalURL,
			Size:     -1,
			Err:      fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	size := int64(-1)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			size = n
		}
	}

	filename := parseContentDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = filenameFromURL(finalURL)
	}

	return Result{
		OK:          true,
		FinalURL:    finalURL,
		Size:        size,
		Filename:    filename,
		ContentType: resp.Header.Get("Content-Type"),
	}
}

var (
	reFilenameStar = regexp.MustCompile(`(?i)filename\*\s*=\s*([^;]+)`)
	reFilenameQ    = regexp.MustCompile(`(?i)filename\s*=\s*"([^"]+)"`)
	reFilenameBare = regexp.MustCompile(`(?i)filename\s*=\s*([^;\s]+)`)
)

// parseContentDisposition extracts a filename from a Content-Disposition
// header value, preferring the RFC 5987 filename*= form over a quoted
// filename="..." over a bare filename=....
func parseContentDisposition(header string) string {
	if header == "" {
		return ""
	}
	if m := reFilenameStar.FindStringSubmatch(header); m != nil {
		parts := strings.SplitN(strings.TrimSpace(m[1]), "'", 3)
		if len(parts) == 3 {
			if decoded, err := url.QueryUnescape(parts[2]); err == nil {
				return decoded
			}
		}
	}
	if m := reFilenameQ.FindStringSubmatch(header); m != nil {
		return m[1]
	}
	if m := reFilenameBare.FindStringSubmatch(header); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// filenameFromURL returns the last path segment of u if it looks like a
// filename (contains a dot), else "".
func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return ""
	}
	if decoded, err := url.QueryUnescape(base); err == nil {
		base = decoded
	}
	if !strings.Contains(base, ".") {
		return ""
	}
	return base
}
