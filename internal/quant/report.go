package quant

import (
	"log/slog"
	"sync"
)

// Report collects clipping events from one build or one run.
type Report struct {
	mu        sync.Mutex
	overflows []Overflow
	total     int
	keep      int
}

func NewReport(keep int) *Report {
	if keep <= 0 {
		keep = 64
	}
	return &Report{keep: keep}
}

func (r *Report) Add(o Overflow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.keep == 0 {
		r.keep = 64
	}
	r.total++
	if len(r.overflows) < r.keep {
		r.overflows = append(r.overflows, o)
	}
}

// Count returns the number of clipping events, including ones past the
// retention limit.
func (r *Report) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

func (r *Report) Overflows() []Overflow {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Overflow(nil), r.overflows...)
}

func (r *Report) Strings() []string {
	overflows := r.Overflows()
	out := make([]string, 0, len(overflows))
	for _, o := range overflows {
		out = append(out, o.Error())
	}
	return out
}

func (r *Report) Log(logger *slog.Logger, msg string) {
	if logger == nil {
		logger = slog.Default()
	}
	count := r.Count()
	if count == 0 {
		return
	}
	for _, o := range r.Overflows() {
		logger.Warn(msg,
			slog.String("location", o.Label),
			slog.Float64("value", o.Value),
			slog.Int64("clipped", o.Clipped),
		)
	}
	if dropped := count - len(r.Overflows()); dropped > 0 {
		logger.Warn(msg, slog.Int("suppressed", dropped))
	}
}
