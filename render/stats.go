package render

// Stats is a point-in-time view of coordinator activity.
type Stats struct {
	Requests        int64 `json:"requests"`
	Hits            int64 `json:"hits"`
	Shared          int64 `json:"shared"`
	Builds          int64 `json:"builds"`
	Successes       int64 `json:"successes"`
	Failures        int64 `json:"failures"`
	RenderTimeouts  int64 `json:"render_timeouts"`
	BuildTimeouts   int64 `json:"build_timeouts"`
	Rejections      int64 `json:"rejections"`
	LateSuccesses   int64 `json:"late_successes"`
	Evictions       int64 `json:"evictions"`
	BytesRendered   int64 `json:"bytes_rendered"`
	Published       int64 `json:"published"`
	PublishFailures int64 `json:"publish_failures"`

	CacheEntries int `json:"cache_entries"`
	InFlight     int `json:"in_flight"`

	// Render latency quantiles in milliseconds, zero until the first
	// successful build.
	LatencyP50 float64 `json:"latency_p50_ms"`
	LatencyP90 float64 `json:"latency_p90_ms"`
	LatencyP99 float64 `json:"latency_p99_ms"`
}

// HitRate returns the fraction of requests served from cache.
func (s Stats) HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.Hits) / float64(s.Requests)
}

// Stats returns a snapshot of the coordinator's counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Requests:        c.requests.Load(),
		Hits:            c.hits.Load(),
		Shared:          c.shared.Load(),
		Builds:          c.builds.Load(),
		Successes:       c.successes.Load(),
		Failures:        c.failures.Load(),
		RenderTimeouts:  c.renderTimeouts.Load(),
		BuildTimeouts:   c.buildTimeouts.Load(),
		Rejections:      c.rejections.Load(),
		LateSuccesses:   c.lateSuccesses.Load(),
		Evictions:       c.index.Evictions(),
		BytesRendered:   c.bytesRendered.Load(),
		Published:       c.published.Load(),
		PublishFailures: c.publishFailures.Load(),
		CacheEntries:    c.index.Len(),
		InFlight:        c.inflight.Len(),
	}

	c.latencyMu.Lock()
	defer c.latencyMu.Unlock()
	if !c.latency.IsEmpty() {
		if qs, err := c.latency.GetValuesAtQuantiles([]float64{0.5, 0.9, 0.99}); err == nil {
			s.LatencyP50, s.LatencyP90, s.LatencyP99 = qs[0], qs[1], qs[2]
		}
	}
	return s
}
