package driftline

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
)

// SyncStats is a snapshot of engine counters.
type SyncStats struct {
	MutationsEnqueued int64 `json:"mutations_enqueued"`
	MutationsAcked    int64 `json:"mutations_acked"`
	PushCycles        int64 `json:"push_cycles"`
	PullCycles        int64 `json:"pull_cycles"`
	RecordsPulled     int64 `json:"records_pulled"`
	ConflictsResolved int64 `json:"conflicts_resolved"`
	ConflictsParked   int64 `json:"conflicts_parked"`
	DeadLetters       int64 `json:"dead_letters"`
	RateLimitHits     int64 `json:"rate_limit_hits"`
	TransientFailures int64 `json:"transient_failures"`
}

// syncCounters is the mutable internal form of SyncStats.
type syncCounters struct {
	mu    sync.Mutex
	stats SyncStats
}

func (c *syncCounters) add(f func(*SyncStats)) {
	c.mu.Lock()
	f(&c.stats)
	c.mu.Unlock()
}

func (c *syncCounters) snapshot() SyncStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// TelemetryConfig configures Prometheus remote-write export of engine
// counters.
type TelemetryConfig struct {
	// Enabled turns on the exporter.
	Enabled bool

	// Endpoint is the Prometheus remote-write URL.
	Endpoint string

	// Interval is how often counters are exported. Default: 30s.
	Interval time.Duration

	// Job is the job label attached to every series. Default: driftline.
	Job string

	// Timeout bounds one export request. Default: 10s.
	Timeout time.Duration
}

// DefaultTelemetryConfig returns default telemetry settings.
func DefaultTelemetryConfig(endpoint string) TelemetryConfig {
	return TelemetryConfig{
		Enabled:  true,
		Endpoint: endpoint,
		Interval: 30 * time.Second,
		Job:      "driftline",
		Timeout:  10 * time.Second,
	}
}

// RemoteWriteExporter pushes engine counters to a Prometheus remote-write
// endpoint as snappy-framed protobuf.
type RemoteWriteExporter struct {
	config   TelemetryConfig
	counters *syncCounters
	client   *http.Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewRemoteWriteExporter creates an exporter over the given counters.
func NewRemoteWriteExporter(config TelemetryConfig, counters *syncCounters) *RemoteWriteExporter {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Job == "" {
		config.Job = "driftline"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RemoteWriteExporter{
		config:   config,
		counters: counters,
		client:   &http.Client{Timeout: config.Timeout},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the export loop.
func (e *RemoteWriteExporter) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case <-ticker.C:
				if err := e.Export(e.ctx); err != nil {
					log.Printf("driftline: telemetry export failed: %v", err)
				}
			}
		}
	}()
}

// Stop shuts down the export loop.
func (e *RemoteWriteExporter) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
}

// Export sends one snapshot of the counters.
func (e *RemoteWriteExporter) Export(ctx context.Context) error {
	stats := e.counters.snapshot()
	now := time.Now().UnixMilli()

	series := []struct {
		name  string
		value int64
	}{
		{"driftline_mutations_enqueued_total", stats.MutationsEnqueued},
		{"driftline_mutations_acked_total", stats.MutationsAcked},
		{"driftline_push_cycles_total", stats.PushCycles},
		{"driftline_pull_cycles_total", stats.PullCycles},
		{"driftline_records_pulled_total", stats.RecordsPulled},
		{"driftline_conflicts_resolved_total", stats.ConflictsResolved},
		{"driftline_conflicts_parked_total", stats.ConflictsParked},
		{"driftline_dead_letters_total", stats.DeadLetters},
		{"driftline_rate_limit_hits_total", stats.RateLimitHits},
		{"driftline_transient_failures_total", stats.TransientFailures},
	}

	req := prompb.WriteRequest{Timeseries: make([]prompb.TimeSeries, 0, len(series))}
	for _, s := range series {
		req.Timeseries = append(req.Timeseries, prompb.TimeSeries{
			Labels: []prompb.Label{
				{Name: "__name__", Value: s.name},
				{Name: "job", Value: e.config.Job},
			},
			Samples: []prompb.Sample{{Value: float64(s.value), Timestamp: now}},
		})
	}

	data, err := req.Marshal()
	if err != nil {
		return fmt.Errorf("marshal write request: %w", err)
	}
	compressed := snappy.Encode(nil, data)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.Endpoint, bytes.NewReader(compressed))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/x-protobuf")
	httpReq.Header.Set("Content-Encoding", "snappy")
	httpReq.Header.Set("X-Prometheus-Remote-Write-Version", "0.1.0")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("remote write returned status %d", resp.StatusCode)
	}
	return nil
}
