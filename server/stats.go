package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
)

// connStats tracks per-connection command statistics.
type connStats struct {
	mu        sync.Mutex
	startTime time.Time

	requests  int64
	errors    int64
	bytesRecv int64
	bytesSent int64

	// Command latency in microseconds, 1µs to 10 minutes, 3 significant
	// figures.
	latencyHist *hdrhistogram.Histogram
}

func newConnStats() *connStats {
	return &connStats{
		startTime:   time.Now(),
		latencyHist: hdrhistogram.New(1, 600000000, 3),
	}
}

// RecordRequest records a handled command.
func (s *connStats) RecordRequest(d time.Duration, failed bool) {
	atomic.AddInt64(&s.requests, 1)
	if failed {
		atomic.AddInt64(&s.errors, 1)
	}
	s.mu.Lock()
	s.latencyHist.RecordValue(d.Microseconds())
	s.mu.Unlock()
}

func (s *connStats) RecordReceived(bytes int) {
	atomic.AddInt64(&s.bytesRecv, int64(bytes))
}

func (s *connStats) RecordSent(bytes int) {
	atomic.AddInt64(&s.bytesSent, int64(bytes))
}

func (s *connStats) Requests() int64 {
	return atomic.LoadInt64(&s.requests)
}

func (s *connStats) Errors() int64 {
	return atomic.LoadInt64(&s.errors)
}

// LatencyPercentile returns the latency at a given percentile.
func (s *connStats) LatencyPercentile(p float64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.ValueAtQuantile(p)) * time.Microsecond
}

// LatencyMax returns the maximum latency recorded.
func (s *connStats) LatencyMax() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Duration(s.latencyHist.Max()) * time.Microsecond
}

// String summarizes the connection for the close log line.
func (s *connStats) String() string {
	return fmt.Sprintf("[requests=%s, errors=%d, recv=%s, sent=%s, p50=%v, p99=%v, max=%v, uptime=%s]",
		humanize.Comma(s.Requests()), s.Errors(),
		humanize.IBytes(uint64(atomic.LoadInt64(&s.bytesRecv))),
		humanize.IBytes(uint64(atomic.LoadInt64(&s.bytesSent))),
		s.LatencyPercentile(50), s.LatencyPercentile(99), s.LatencyMax(),
		durafmt.Parse(time.Since(s.startTime)).LimitFirstN(2))
}
