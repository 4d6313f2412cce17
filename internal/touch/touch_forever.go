package touch

import "sync/atomic"

// TouchForever reports the process-wide cancellation flag's current
// value (spec.md §5: advisory, observed with bounded delay).
func TouchForever() bool {
	return atomic.LoadInt32(&touchForever) != 0
}

// SetTouchForever sets the flag. A worker's pollute loop sets it true
// on entry; the controller and SendJob clear it on OP_STOP or forced
// reclaim (false).
func SetTouchForever(v bool) {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32(&touchForever, i)
}
