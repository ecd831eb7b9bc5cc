package main

import (
	"fmt"
	"io"

	"github.com/richardartoul/dotcache/render"
	"github.com/richardartoul/dotcache/runner"
)

// formatBytes formats a byte count as a human-readable string.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit && exp < 3; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %cB", float64(bytes)/float64(div), "KMGT"[exp])
}

// printStats writes a summary of render and runner activity.
func printStats(w io.Writer, rs render.Stats, ru runner.Stats) {
	fmt.Fprintf(w, "Render statistics:\n")
	fmt.Fprintf(w, "  Requests: %d (hits: %d, shared: %d, hit rate: %.1f%%)\n",
		rs.Requests, rs.Hits, rs.Shared, rs.HitRate()*100)
	fmt.Fprintf(w, "  Builds: %d (succeeded: %d, failed: %d, late: %d)\n",
		rs.Builds, rs.Successes, rs.Failures, rs.LateSuccesses)
	fmt.Fprintf(w, "  Timeouts: %d render, %d build\n", rs.RenderTimeouts, rs.BuildTimeouts)
	fmt.Fprintf(w, "  Rejected: %d\n", rs.Rejections)
	fmt.Fprintf(w, "  Cache: %d entries, %d evictions, %s rendered\n",
		rs.CacheEntries, rs.Evictions, formatBytes(rs.BytesRendered))
	fmt.Fprintf(w, "  Render latency: p50 %.1fms, p90 %.1fms, p99 %.1fms\n",
		rs.LatencyP50, rs.LatencyP90, rs.LatencyP99)
	if rs.Published > 0 || rs.PublishFailures > 0 {
		fmt.Fprintf(w, "  Published: %d (failed: %d)\n", rs.Published, rs.PublishFailures)
	}
	fmt.Fprintf(w, "Runner statistics:\n")
	fmt.Fprintf(w, "  Workers: %d, queue size: %d\n", ru.Workers, ru.QueueSize)
	fmt.Fprintf(w, "  Processes: %d started, %d killed, %d rejected\n", ru.Started, ru.Killed, ru.Rejected)
}
