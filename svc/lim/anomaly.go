package lim

import (
	"sync"
	"time"

	"pasteir/metrics"
	"pasteir/svc/util"
)

const (
	anomalyBuckets    = 5
	anomalyMinReqs    = 10
	anomalyErrPercent = 5.0
)

// AnomalyDetector keeps a sliding window of request and server-error counts
// and calls onAnomaly when the error rate over the window crosses 5%.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	currentIndex int
	lastRate     float64
	interval     time.Duration
	onAnomaly    func()
	done         chan struct{}
	stopOnce     sync.Once
}
type bucket struct {
	requests int64
	errors   int64
}

func NewAnomalyDetector(interval time.Duration, onAnomaly func()) *AnomalyDetector {
	if interval <= 0 {
		interval = time.Minute
	}
	return &AnomalyDetector{
		window:    make([]bucket, anomalyBuckets),
		interval:  interval,
		onAnomaly: onAnomaly,
		done:      make(chan struct{}),
	}
}
func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(d.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				return
			}
		}
	}()
}
func (d *AnomalyDetector) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}
func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	d.window[d.currentIndex].requests++
	d.mu.Unlock()
}
func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	d.window[d.currentIndex].errors++
	d.mu.Unlock()
}

// ErrorRate is the percentage computed at the last window advance.
func (d *AnomalyDetector) ErrorRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRate
}
func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	var errorRate float64
	if totalReqs > 0 {
		errorRate = float64(totalErrs) / float64(totalReqs) * 100.0
	}
	d.lastRate = errorRate
	d.currentIndex = (d.currentIndex + 1) % len(d.window)
	d.window[d.currentIndex] = bucket{}
	d.mu.Unlock()

	metrics.RecentErrorRatePercent.Set(errorRate)
	if totalReqs > anomalyMinReqs && errorRate > anomalyErrPercent {
		util.Warn().
			Float64("error_rate", errorRate).
			Int64("total_reqs", totalReqs).
			Int64("total_errs", totalErrs).
			Msg("high error rate, tightening rate limits")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
}
