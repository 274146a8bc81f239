package upgrade

// ProgressEvent is what the UI sees: the step in flight, a human-readable
// message, the overall 0-100 percentage and whether this is an error report.
type ProgressEvent struct {
	Step    string  `json:"step"`
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
	Error   bool    `json:"error"`
}

// ProgressFunc receives progress events. Implementations must not block; slow
// consumers are expected to buffer or drop.
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) emit(ev ProgressEvent) {
	if f != nil {
		f(ev)
	}
}
