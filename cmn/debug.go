package cmn

import "github.com/golang/glog"

// Assert mirrors the teacher's cmn.Assert: a condition that must never be
// false if the proxy's internal invariants hold. Unlike business errors
// (OldEpoch, NotReady, ...), a failed assertion is a programming error and
// is fatal, matching the error handling design's "the lock itself failing
// to acquire is fatal" carve-out.
func Assert(cond bool, msg string) {
	if !cond {
		glog.Fatalf("assertion failed: %s", msg)
	}
}

func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		glog.Fatalf("assertion failed: "+format, args...)
	}
}
