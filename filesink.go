package rangefetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cognusion/go-timings"
)

// DownloadOptions configures a single call to FileDownloader.DownloadToFile.
// The zero value is not the intended default — Resume defaults to true in
// the public contract, so callers should start from DefaultDownloadOptions
// and override fields, the same way a zero Config isn't usable directly.
type DownloadOptions struct {
	// OutputFileName, if set, takes priority over the server-suggested
	// name and the last URL path segment.
	OutputFileName string
	// Resume, if true and the server accepts ranges, continues from an
	// existing temp file's length rather than truncating it.
	Resume bool
	// ChecksumType selects which digest, if any, to compute over the
	// finished file.
	ChecksumType ChecksumType
	// ConflictStrategy controls what happens if the final path already
	// exists.
	ConflictStrategy FileConflictStrategy
	// CancelToken, if provided, is adopted rather than created.
	CancelToken *CancelToken
	// OnProgress, if set, receives (received, total, status) updates.
	OnProgress FileProgressFunc
}

// FileDownloader composes a RangeRequestClient to persist a download to
// disk with resume, conflict resolution, and digest computation, per
// SPEC_FULL.md §4.7.
type FileDownloader struct {
	client *RangeRequestClient
	config Config
}

// DefaultDownloadOptions returns the DownloadOptions a caller gets by
// asking for nothing in particular: resume enabled, no checksum, and
// overwrite on a final-path conflict.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		Resume:           true,
		ChecksumType:     ChecksumNone,
		ConflictStrategy: FileConflictOverwrite,
	}
}

// NewFileDownloader wraps an existing RangeRequestClient.
func NewFileDownloader(client *RangeRequestClient) *FileDownloader {
	return &FileDownloader{client: client, config: client.config}
}

// FileDownloaderFromConfig builds a FileDownloader (and the
// RangeRequestClient backing it) directly from a Config.
func FileDownloaderFromConfig(config Config) *FileDownloader {
	return &FileDownloader{
		client: NewRangeRequestClient(config, DefaultClientFactory),
		config: config,
	}
}

// DownloadToFile fetches url and writes it to outputDir, per
// SPEC_FULL.md §4.7.
func (d *FileDownloader) DownloadToFile(ctx context.Context, rawURL, outputDir string, opts DownloadOptions) (DownloadResult, error) {
	fetchID := newFetchID()
	defer timings.Track(fmt.Sprintf("[%s] downloadToFile", fetchID), time.Now(), d.config.timingsLogger())

	info, err := d.client.CheckServerInfo(ctx, rawURL)
	if err != nil {
		return DownloadResult{}, err
	}

	finalName := sanitizeFileName(chooseFileName(opts.OutputFileName, info.FileName, rawURL))
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return DownloadResult{}, WrapError(FileError, "failed to create output directory", err)
	}

	finalPath := filepath.Join(outputDir, finalName)
	tempPath := finalPath + d.config.TempFileExtension

	f, startBytes, err := openTempFile(tempPath, opts.Resume, info.AcceptRanges)
	if err != nil {
		return DownloadResult{}, err
	}

	if startBytes > info.ContentLength {
		f.Close()
		return DownloadResult{}, NewError(FileError, "existing temp file exceeds remote file size")
	}

	if startBytes == info.ContentLength {
		if opts.OnProgress != nil {
			opts.OnProgress(info.ContentLength, info.ContentLength, StatusDownloading)
		}
	} else if err := d.streamToFile(ctx, rawURL, info, startBytes, opts, f); err != nil {
		f.Close()
		if !opts.Resume {
			os.Remove(tempPath)
		}
		return DownloadResult{}, err
	}

	if err := f.Close(); err != nil {
		return DownloadResult{}, WrapError(FileError, "failed to close temp file", err)
	}

	checksum, err := d.computeChecksum(tempPath, opts.ChecksumType, opts.OnProgress, info.ContentLength, fetchID)
	if err != nil {
		return DownloadResult{}, err
	}

	resolvedPath, err := resolveConflict(finalPath, opts.ConflictStrategy)
	if err != nil {
		return DownloadResult{}, err
	}

	if err := os.Rename(tempPath, resolvedPath); err != nil {
		return DownloadResult{}, WrapError(FileError, "failed to rename temp file to final path", err)
	}

	stat, err := os.Stat(resolvedPath)
	if err != nil {
		return DownloadResult{}, WrapError(FileError, "failed to stat final file", err)
	}

	return DownloadResult{
		FilePath:     resolvedPath,
		FileSize:     stat.Size(),
		Checksum:     checksum,
		ChecksumType: opts.ChecksumType,
	}, nil
}

// streamToFile drains the range client's chunk stream into f, buffering
// small chunks and writing large ones directly, per SPEC_FULL.md §4.7's
// streaming-write rules.
func (d *FileDownloader) streamToFile(ctx context.Context, rawURL string, info ServerInfo, startBytes int64, opts DownloadOptions, f *os.File) error {
	contentLength := info.ContentLength
	acceptRanges := info.AcceptRanges

	var fileProgress ProgressFunc
	if opts.OnProgress != nil {
		fileProgress = func(received, total int64) {
			opts.OnProgress(startBytes+received, contentLength, StatusDownloading)
		}
	}

	stream := d.client.Fetch(ctx, rawURL, FetchOptions{
		ContentLength: &contentLength,
		AcceptRanges:  &acceptRanges,
		StartBytes:    startBytes,
		CancelToken:   opts.CancelToken,
		OnProgress:    fileProgress,
	})

	chunkSize := d.config.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	var buf []byte
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if _, err := f.Write(buf); err != nil {
			return WrapError(FileError, "failed writing buffered chunk", err)
		}
		buf = buf[:0]
		return nil
	}

	for {
		chunk, err, ok := stream.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if len(buf) == 0 && int64(len(chunk)) >= chunkSize {
			if _, werr := f.Write(chunk); werr != nil {
				return WrapError(FileError, "failed writing chunk", werr)
			}
			continue
		}

		buf = append(buf, chunk...)
		if int64(len(buf)) >= chunkSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}

// computeChecksum closes nothing (the caller already closed f); it opens
// a fresh read-only handle on tempPath and streams it through the
// configured digest on a background goroutine, joined before returning.
func (d *FileDownloader) computeChecksum(tempPath string, checksumType ChecksumType, onProgress FileProgressFunc, total int64, fetchID string) (string, error) {
	if checksumType == ChecksumNone {
		return "", nil
	}

	if onProgress != nil {
		onProgress(total, total, StatusCalculatingChecksum)
	}

	type digestResult struct {
		sum string
		err error
	}
	done := make(chan digestResult, 1)

	go func() {
		defer timings.Track(fmt.Sprintf("[%s] digest", fetchID), time.Now(), d.config.timingsLogger())

		f, err := os.Open(tempPath)
		if err != nil {
			done <- digestResult{err: WrapError(FileError, "failed to open temp file for digest", err)}
			return
		}
		defer f.Close()

		var h hash.Hash
		switch checksumType {
		case ChecksumMD5:
			h = md5.New()
		default:
			h = sha256.New()
		}

		if _, err := io.Copy(h, f); err != nil {
			done <- digestResult{err: WrapError(FileError, "failed to read temp file for digest", err)}
			return
		}

		done <- digestResult{sum: hex.EncodeToString(h.Sum(nil))}
	}()

	result := <-done
	return result.sum, result.err
}

// openTempFile opens the temp file per SPEC_FULL.md §4.7: appended to
// (for resume) when resume and acceptRanges both hold, else truncated.
func openTempFile(tempPath string, resume, acceptRanges bool) (*os.File, int64, error) {
	if resume && acceptRanges {
		startBytes := int64(0)
		if stat, err := os.Stat(tempPath); err == nil {
			startBytes = stat.Size()
		}
		f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, 0, WrapError(FileError, "failed to open temp file for resume", err)
		}
		return f, startBytes, nil
	}

	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, 0, WrapError(FileError, "failed to create temp file", err)
	}
	return f, 0, nil
}

// chooseFileName picks, in order: the caller-supplied name, the
// server-suggested name, or the last URL path segment.
func chooseFileName(outputFileName, serverFileName, rawURL string) string {
	if outputFileName != "" {
		return outputFileName
	}
	if serverFileName != "" {
		return serverFileName
	}
	if u, err := url.Parse(rawURL); err == nil {
		base := filepath.Base(u.Path)
		if base != "" && base != "." && base != "/" {
			return base
		}
	}
	return "download"
}

// sanitizeFileName replaces path separators and literal ".." segments so
// server- or URL-derived names can never escape the output directory.
func sanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, `\`, "_")
	name = strings.ReplaceAll(name, "..", "_")
	return name
}

// resolveConflict applies opts.ConflictStrategy against finalPath,
// returning the path the temp file should ultimately be renamed to.
func resolveConflict(finalPath string, strategy FileConflictStrategy) (string, error) {
	switch strategy {
	case FileConflictRename:
		if _, err := os.Stat(finalPath); err != nil {
			return finalPath, nil
		}
		stem, ext := splitStemExt(finalPath)
		for n := 1; ; n++ {
			candidate := fmt.Sprintf("%s(%d)%s", stem, n, ext)
			if _, err := os.Stat(candidate); err != nil {
				return candidate, nil
			}
		}
	case FileConflictError:
		if _, err := os.Stat(finalPath); err == nil {
			return "", NewError(FileError, "File already exists")
		}
		return finalPath, nil
	default: // FileConflictOverwrite
		if err := os.Remove(finalPath); err != nil && !os.IsNotExist(err) {
			return "", WrapError(FileError, "failed to remove existing file for overwrite", err)
		}
		return finalPath, nil
	}
}

// splitStemExt splits a path on its last ".", mirroring the spec's
// "stem/ext split on the last '.'; if no '.', extension is empty" rule.
func splitStemExt(path string) (stem, ext string) {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx:]
}

// CleanupTempFiles walks directory recursively and deletes every regular
// file whose path ends with ext and whose modification time is older
// than olderThan (if non-zero). It returns the number of files deleted,
// tolerating per-file deletion errors silently. A non-existent directory
// returns 0.
func (d *FileDownloader) CleanupTempFiles(directory, ext string, olderThan time.Duration) (int, error) {
	if ext == "" {
		ext = d.config.TempFileExtension
	}

	var cutoff time.Time
	if olderThan > 0 {
		cutoff = time.Now().Add(-olderThan)
	}

	count := 0
	err := filepath.WalkDir(directory, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ext) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !cutoff.IsZero() && info.ModTime().After(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			count++
		}
		return nil
	})
	if err != nil && os.IsNotExist(err) {
		return 0, nil
	}
	return count, err
}
