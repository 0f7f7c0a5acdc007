package rangefetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

const filesinkFixture = "The quick brown fox jumps over the lazy dog! Pack my box 123."

func newDownloadServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Method == http.MethodHead {
			rw.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			rw.Header().Set("Accept-Ranges", "bytes")
			rw.WriteHeader(http.StatusOK)
			return
		}

		rangeHeader := req.Header.Get("Range")
		var start, end int64
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		rw.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		rw.WriteHeader(http.StatusPartialContent)
		rw.Write([]byte(body[start : end+1]))
	}))
}

func newDownloader(config Config) *FileDownloader {
	client := NewRangeRequestClient(config, DefaultClientFactory)
	return NewFileDownloader(client)
}

func TestFileDownloaderRenameConflict(t *testing.T) {
	Convey("Given an output directory already containing test.txt", t, func() {
		server := newDownloadServer(filesinkFixture)
		defer server.Close()

		outputDir := t.TempDir()
		So(os.WriteFile(filepath.Join(outputDir, "test.txt"), []byte("stale"), 0o644), ShouldBeNil)

		downloader := newDownloader(DefaultConfig().CopyWith(WithChunkSize(16)))

		Convey("FileConflictRename picks test(1).txt instead of overwriting", func() {
			result, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName:   "test.txt",
				ConflictStrategy: FileConflictRename,
			})
			So(err, ShouldBeNil)
			So(result.FilePath, ShouldEqual, filepath.Join(outputDir, "test(1).txt"))

			contents, readErr := os.ReadFile(filepath.Join(outputDir, "test.txt"))
			So(readErr, ShouldBeNil)
			So(string(contents), ShouldEqual, "stale")
		})
	})
}

func TestFileDownloaderChecksum(t *testing.T) {
	Convey("Given a completed download", t, func() {
		server := newDownloadServer(filesinkFixture)
		defer server.Close()

		sum256 := sha256.Sum256([]byte(filesinkFixture))
		expectedSHA256 := hex.EncodeToString(sum256[:])
		sumMD5 := md5.Sum([]byte(filesinkFixture))
		expectedMD5 := hex.EncodeToString(sumMD5[:])

		Convey("ChecksumSHA256 matches an independently computed digest", func() {
			outputDir := t.TempDir()
			downloader := newDownloader(DefaultConfig().CopyWith(WithChunkSize(16)))
			result, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName: "sha.bin",
				ChecksumType:   ChecksumSHA256,
			})
			So(err, ShouldBeNil)
			So(result.Checksum, ShouldEqual, expectedSHA256)
		})

		Convey("ChecksumMD5 matches an independently computed digest", func() {
			outputDir := t.TempDir()
			downloader := newDownloader(DefaultConfig().CopyWith(WithChunkSize(16)))
			result, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName: "md5.bin",
				ChecksumType:   ChecksumMD5,
			})
			So(err, ShouldBeNil)
			So(result.Checksum, ShouldEqual, expectedMD5)
		})

		Convey("ChecksumNone leaves the result's Checksum empty", func() {
			outputDir := t.TempDir()
			downloader := newDownloader(DefaultConfig().CopyWith(WithChunkSize(16)))
			result, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName: "none.bin",
			})
			So(err, ShouldBeNil)
			So(result.Checksum, ShouldEqual, "")
		})
	})
}

func TestFileDownloaderResume(t *testing.T) {
	Convey("Given a temp file already holding a prefix of the remote content", t, func() {
		server := newDownloadServer(filesinkFixture)
		defer server.Close()

		outputDir := t.TempDir()
		config := DefaultConfig().CopyWith(WithChunkSize(16))
		partial := filesinkFixture[:20]
		tempPath := filepath.Join(outputDir, "resume.bin"+config.TempFileExtension)
		So(os.WriteFile(tempPath, []byte(partial), 0o644), ShouldBeNil)

		downloader := newDownloader(config)

		Convey("Resume continues from the existing temp file's length and produces the full file", func() {
			result, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName: "resume.bin",
				Resume:         true,
			})
			So(err, ShouldBeNil)

			contents, readErr := os.ReadFile(result.FilePath)
			So(readErr, ShouldBeNil)
			So(string(contents), ShouldEqual, filesinkFixture)
		})
	})
}

func TestFileDownloaderTempFileSurvivesFailureWhenResumable(t *testing.T) {
	Convey("Given a server that always fails the range GET", t, func() {
		server := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
			if req.Method == http.MethodHead {
				rw.Header().Set("Content-Length", fmt.Sprintf("%d", len(filesinkFixture)))
				rw.Header().Set("Accept-Ranges", "bytes")
				rw.WriteHeader(http.StatusOK)
				return
			}
			rw.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		outputDir := t.TempDir()
		config := DefaultConfig().CopyWith(WithChunkSize(16), WithMaxRetries(0))
		downloader := newDownloader(config)
		tempPath := filepath.Join(outputDir, "broken.bin"+config.TempFileExtension)

		Convey("The temp file is left in place for a resumable caller", func() {
			_, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName: "broken.bin",
				Resume:         true,
			})
			So(err, ShouldNotBeNil)

			_, statErr := os.Stat(tempPath)
			So(statErr, ShouldBeNil)
		})

		Convey("The temp file is removed for a non-resumable caller", func() {
			_, err := downloader.DownloadToFile(context.Background(), server.URL, outputDir, DownloadOptions{
				OutputFileName: "broken.bin",
				Resume:         false,
			})
			So(err, ShouldNotBeNil)

			_, statErr := os.Stat(tempPath)
			So(os.IsNotExist(statErr), ShouldBeTrue)
		})
	})
}

func TestSanitizeFileName(t *testing.T) {
	Convey("Given names derived from untrusted servers or URLs", t, func() {
		Convey("Path separators and parent-directory segments are neutralized", func() {
			sanitized := sanitizeFileName("../../etc/passwd")
			So(strings.Contains(sanitized, "/"), ShouldBeFalse)
			So(strings.Contains(sanitized, ".."), ShouldBeFalse)
			So(strings.Contains(sanitized, `\`), ShouldBeFalse)
		})

		Convey("A plain name passes through unchanged", func() {
			So(sanitizeFileName("report.csv"), ShouldEqual, "report.csv")
		})
	})
}

func TestDefaultDownloadOptions(t *testing.T) {
	Convey("Given the zero-argument default download options", t, func() {
		opts := DefaultDownloadOptions()

		Convey("Resume defaults to true, matching the public contract's default", func() {
			So(opts.Resume, ShouldBeTrue)
		})

		Convey("ChecksumType defaults to none and ConflictStrategy to overwrite", func() {
			So(opts.ChecksumType, ShouldEqual, ChecksumNone)
			So(opts.ConflictStrategy, ShouldEqual, FileConflictOverwrite)
		})
	})
}

func TestChooseFileName(t *testing.T) {
	Convey("Given the three candidate filename sources", t, func() {
		Convey("An explicit output name wins over everything else", func() {
			So(chooseFileName("explicit.bin", "server.bin", "http://example.com/url.bin"), ShouldEqual, "explicit.bin")
		})

		Convey("The server-suggested name wins when no explicit name is given", func() {
			So(chooseFileName("", "server.bin", "http://example.com/url.bin"), ShouldEqual, "server.bin")
		})

		Convey("The URL's last path segment is the final fallback", func() {
			So(chooseFileName("", "", "http://example.com/path/url.bin"), ShouldEqual, "url.bin")
		})

		Convey("A URL with no last path segment falls back to a generic name", func() {
			So(chooseFileName("", "", "http://example.com/"), ShouldEqual, "download")
		})
	})
}
