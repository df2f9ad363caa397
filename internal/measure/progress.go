package measure

const (
	bandwidthCeiling = 50
	latencyCeiling   = 90
)

// progress turns unit completion and elapsed time into percentages and
// forwards only values larger than the last one emitted. The two phase
// boundaries (50 and 90) are reserved for the settle events, so running
// estimates stop one short of them.
type progress struct {
	emit func(int)
	last int
	any  bool
}

func newProgress(emit func(int)) *progress { return &progress{emit: emit, last: -1} }

func (p *progress) set(v int) {
	v = min(max(v, 0), 100)
	if p.any && v <= p.last {
		return
	}
	p.any = true
	p.last = v
	p.emit(v)
}

// bandwidthRunning estimates progress while the bandwidth unit is outstanding.
// frac is elapsed time over the bandwidth deadline.
func (p *progress) bandwidthRunning(frac float64) {
	p.set(min(int(frac*bandwidthCeiling), bandwidthCeiling-1))
}

func (p *progress) bandwidthSettled() { p.set(bandwidthCeiling) }

// latencyRunning estimates progress after bandwidth settled while latency
// units are outstanding. It advances with whichever is further along: the
// share of settled units or elapsed time over the latency deadline.
func (p *progress) latencyRunning(settled, total int, frac float64) {
	share := frac
	if total > 0 {
		share = max(share, float64(settled)/float64(total))
	}
	v := bandwidthCeiling + int(share*(latencyCeiling-bandwidthCeiling))
	p.set(min(v, latencyCeiling-1))
}

func (p *progress) latencySettled() { p.set(latencyCeiling) }

func (p *progress) value() int { return p.last }
