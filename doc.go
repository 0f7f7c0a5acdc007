// Package rangefetch downloads a single HTTP resource by issuing many
// concurrent byte-range requests, reassembling the responses in order, and
// optionally persisting the result to disk with resume and checksum
// support. RangeRequestClient will fetch a URL in up to
// Config.MaxConcurrentRequests overlapping pieces when the server
// advertises Accept-Ranges; otherwise it falls back to a single serial
// GET. FileDownloader layers resume, conflict resolution, and digest
// computation on top of that stream.
package rangefetch
