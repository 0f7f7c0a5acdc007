package rangefetch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cognusion/go-timings"
)

// serverProbe issues a HEAD request and interprets the response into a
// ServerInfo, per SPEC_FULL.md §4.4.
type serverProbe struct {
	factory ClientFactory
	config  Config
}

func newServerProbe(factory ClientFactory, config Config) *serverProbe {
	return &serverProbe{factory: factory, config: config}
}

func (p *serverProbe) check(ctx context.Context, url, fetchID string) (ServerInfo, error) {
	defer timings.Track(fmt.Sprintf("[%s] probe", fetchID), time.Now(), p.config.timingsLogger())

	res, err := p.factory.Head(ctx, url, p.config.Headers, p.config.ConnectionTimeout)
	if err != nil {
		return ServerInfo{}, WrapError(NetworkError, "HEAD request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode != 200 {
		return ServerInfo{}, NewError(ServerError, fmt.Sprintf("HEAD returned status %d", res.StatusCode))
	}

	contentLength, err := parseContentLength(res.Header.Get("Content-Length"))
	if err != nil {
		return ServerInfo{}, err
	}

	info := ServerInfo{
		AcceptRanges:  acceptsRanges(res.Header.Get("Accept-Ranges")),
		ContentLength: contentLength,
		FileName:      parseContentDispositionFileName(res.Header.Get("Content-Disposition")),
	}

	p.config.debugLogger().Printf("[%s] probe: length=%d acceptRanges=%v fileName=%q\n", fetchID, info.ContentLength, info.AcceptRanges, info.FileName)

	return info, nil
}

func parseContentLength(raw string) (int64, error) {
	if raw == "" {
		return 0, NewError(InvalidResponse, "Content-Length header missing")
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, NewError(InvalidResponse, fmt.Sprintf("Content-Length header %q is not a non-negative integer", raw))
	}
	return n, nil
}

// acceptsRanges implements the spec's deliberately non-RFC-compliant rule:
// the header merely needs to be present and not the exact literal "none".
// Preserved case-sensitively per SPEC_FULL.md §9's fidelity note.
func acceptsRanges(headerValue string) bool {
	if headerValue == "" {
		return false
	}
	return headerValue != "none"
}

// parseContentDispositionFileName implements the spec's filename grammar:
// "filename=" followed by either a double-quoted string (captured without
// quotes) or a semicolon-delimited unquoted token (trimmed). First match
// wins; absent header or no match yields "".
func parseContentDispositionFileName(header string) string {
	if header == "" {
		return ""
	}

	const marker = "filename="
	idx := strings.Index(header, marker)
	if idx < 0 {
		return ""
	}
	rest := header[idx+len(marker):]

	if strings.HasPrefix(rest, `"`) {
		rest = rest[1:]
		end := strings.Index(rest, `"`)
		if end < 0 {
			return ""
		}
		return rest[:end]
	}

	end := strings.Index(rest, ";")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}
