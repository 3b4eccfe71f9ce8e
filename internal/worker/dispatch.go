package worker

// Dispatch is a bounded in-memory hint of job ids that are probably pending.
// It only shortens the time between enqueue and pickup; the job store stays
// authoritative, so dropped or stale hints are harmless.
type Dispatch struct {
	ch   chan int64
	wake chan struct{}
}

// NewDispatch creates a dispatch queue holding up to size hints
func NewDispatch(size int) *Dispatch {
	if size <= 0 {
		size = 256
	}
	return &Dispatch{
		ch:   make(chan int64, size),
		wake: make(chan struct{}, 1),
	}
}

// Push adds a hint without blocking. It reports false when the queue is full
// and the hint was dropped.
func (d *Dispatch) Push(jobID int64) bool {
	select {
	case d.ch <- jobID:
	default:
		return false
	}
	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Wake fires after a Push so one idle worker can skip the rest of its poll sleep
func (d *Dispatch) Wake() <-chan struct{} {
	return d.wake
}

// TryPop returns the next hint, if any, without blocking
func (d *Dispatch) TryPop() (int64, bool) {
	select {
	case id := <-d.ch:
		return id, true
	default:
		return 0, false
	}
}

// Len returns the number of queued hints
func (d *Dispatch) Len() int {
	return len(d.ch)
}

// Cap returns the maximum number of hints
func (d *Dispatch) Cap() int {
	return cap(d.ch)
}
