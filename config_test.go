package rangefetch

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestConfigCopyWith(t *testing.T) {
	Convey("Given a default Config", t, func() {
		base := DefaultConfig()

		Convey("CopyWith with no options produces a field-wise-equal copy", func() {
			copied := base.CopyWith()
			So(copied.ChunkSize, ShouldEqual, base.ChunkSize)
			So(copied.MaxConcurrentRequests, ShouldEqual, base.MaxConcurrentRequests)
			So(copied.MaxRetries, ShouldEqual, base.MaxRetries)
			So(copied.RetryDelayMs, ShouldEqual, base.RetryDelayMs)
			So(copied.TempFileExtension, ShouldEqual, base.TempFileExtension)
			So(copied.ConnectionTimeout, ShouldEqual, base.ConnectionTimeout)
			So(copied.ProgressInterval, ShouldEqual, base.ProgressInterval)
			So(copied.Headers, ShouldResemble, base.Headers)
		})

		Convey("CopyWith does not mutate the receiver's Headers map", func() {
			base.Headers["X-Original"] = "yes"
			withExtra := base.CopyWith(WithHeaders(map[string]string{"X-New": "1"}))

			So(withExtra.Headers, ShouldResemble, map[string]string{"X-New": "1"})
			So(base.Headers, ShouldResemble, map[string]string{"X-Original": "yes"})
		})

		Convey("Options apply independently and leave the base untouched", func() {
			derived := base.CopyWith(
				WithChunkSize(2048),
				WithMaxConcurrentRequests(1),
				WithMaxRetries(0),
				WithRetryDelayMs(50),
				WithTempFileExtension(".part"),
				WithConnectionTimeout(5*time.Second),
				WithProgressInterval(100*time.Millisecond),
			)

			So(derived.ChunkSize, ShouldEqual, int64(2048))
			So(derived.MaxConcurrentRequests, ShouldEqual, 1)
			So(derived.MaxRetries, ShouldEqual, 0)
			So(derived.RetryDelayMs, ShouldEqual, int64(50))
			So(derived.TempFileExtension, ShouldEqual, ".part")
			So(derived.ConnectionTimeout, ShouldEqual, 5*time.Second)
			So(derived.ProgressInterval, ShouldEqual, 100*time.Millisecond)

			So(base.ChunkSize, ShouldEqual, int64(DefaultChunkSize))
			So(base.MaxConcurrentRequests, ShouldEqual, DefaultMaxConcurrentRequests)
		})

		Convey("WithLoggers leaves a nil argument's logger unchanged", func() {
			derived := base.CopyWith(WithLoggers(nil, nil))
			So(derived.TimingsOut, ShouldEqual, base.TimingsOut)
			So(derived.DebugOut, ShouldEqual, base.DebugOut)
		})
	})
}
