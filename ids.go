package rangefetch

import (
	"github.com/cognusion/go-sequence"
)

// fetchSeq mints the correlation ids threaded through debug logging for
// every fetch, mirroring the teacher lineage's package-level
// `seq = sequence.New(0)` and `dlid = seq.NextHashID()`.
var fetchSeq = sequence.New(0)

// newFetchID returns a short id identifying one call into Fetch or
// DownloadToFile, purely for tying together log lines belonging to the
// same in-flight operation.
func newFetchID() string {
	return fetchSeq.NextHashID()
}
