package task

// metricsRing is a fixed-capacity ring of metric snapshots. The buffer is
// allocated once; overwriting the oldest entry on overflow keeps window
// updates allocation free.
type metricsRing struct {
	buf   []Metrics
	head  int
	count int
}

func newMetricsRing(capacity int) *metricsRing {
	if capacity < 1 {
		capacity = 1
	}
	return &metricsRing{buf: make([]Metrics, capacity)}
}

func (r *metricsRing) push(m Metrics) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = m
		r.count++
		return
	}
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
}

func (r *metricsRing) len() int {
	return r.count
}

// at returns the i-th oldest entry, 0 being the oldest.
func (r *metricsRing) at(i int) Metrics {
	return r.buf[(r.head+i)%len(r.buf)]
}

func (r *metricsRing) latest() Metrics {
	return r.at(r.count - 1)
}
