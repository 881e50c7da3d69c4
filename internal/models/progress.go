package models

// ProgressCounters are the per-event processing counters. They are a cache:
// photo status stays authoritative and losing them is harmless.
// Total == 0 means the batch size is not known yet.
type ProgressCounters struct {
	Uploaded   int64 `json:"uploaded"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// Finished reports whether every photo of a known-size batch has an outcome.
func (c ProgressCounters) Finished() bool {
	return c.Total > 0 && c.Completed+c.Failed >= c.Total
}

// PercentComplete is 0 while the total is unknown.
func (c ProgressCounters) PercentComplete() float64 {
	if c.Total <= 0 {
		return 0
	}
	pct := float64(c.Completed+c.Failed) / float64(c.Total) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}
