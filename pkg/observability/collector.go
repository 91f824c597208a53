package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/aretw0/termstore/internal/logging"
	"github.com/aretw0/termstore/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// InfoSource reports the current storage occupancy.
type InfoSource interface {
	StorageInfo(ctx context.Context) (*domain.StorageInfo, error)
}

// InfoCollector turns StorageInfo into gauges at scrape time.
type InfoCollector struct {
	source  InfoSource
	timeout time.Duration
	logger  *slog.Logger

	sessions  *prometheus.Desc
	capacity  *prometheus.Desc
	focused   *prometheus.Desc
	suspended *prometheus.Desc
	cache     *prometheus.Desc
	queue     *prometheus.Desc
	conflicts *prometheus.Desc
	up        *prometheus.Desc
}

type CollectorOption func(*InfoCollector)

func WithLogger(logger *slog.Logger) CollectorOption {
	return func(c *InfoCollector) {
		c.logger = logger
	}
}

// WithTimeout bounds the StorageInfo call made on every scrape.
func WithTimeout(d time.Duration) CollectorOption {
	return func(c *InfoCollector) {
		c.timeout = d
	}
}

func NewInfoCollector(source InfoSource, opts ...CollectorOption) *InfoCollector {
	labels := []string{"mode"}
	c := &InfoCollector{
		source:    source,
		timeout:   5 * time.Second,
		logger:    logging.NewNop(),
		sessions:  prometheus.NewDesc(namespace+"_sessions", "Stored sessions by status.", []string{"mode", "status"}, nil),
		capacity:  prometheus.NewDesc(namespace+"_sessions_max", "Configured session capacity.", labels, nil),
		focused:   prometheus.NewDesc(namespace+"_sessions_focused", "Focused sessions.", labels, nil),
		suspended: prometheus.NewDesc(namespace+"_sessions_suspended", "Suspended sessions.", labels, nil),
		cache:     prometheus.NewDesc(namespace+"_cache_entries", "Durable read-through cache entries.", labels, nil),
		queue:     prometheus.NewDesc(namespace+"_sync_queue_depth", "Changes waiting for the durable tier.", labels, nil),
		conflicts: prometheus.NewDesc(namespace+"_sync_conflicts", "Unresolved sync conflicts.", labels, nil),
		up:        prometheus.NewDesc(namespace+"_up", "Whether the last storage info read succeeded.", nil, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *InfoCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.sessions, c.capacity, c.focused, c.suspended, c.cache, c.queue, c.conflicts, c.up} {
		ch <- d
	}
}

func (c *InfoCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	info, err := c.source.StorageInfo(ctx)
	if err != nil {
		c.logger.Warn("Storage info unavailable for metrics", "err", err)
		ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 0)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.up, prometheus.GaugeValue, 1)

	mode := string(info.Mode)
	for status, n := range info.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(n), mode, string(status))
	}
	gauge := func(d *prometheus.Desc, v int) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), mode)
	}
	gauge(c.capacity, info.MaxSessions)
	gauge(c.focused, info.FocusedSessions)
	gauge(c.suspended, info.Suspended)
	gauge(c.cache, info.CacheEntries)
	gauge(c.queue, info.QueueDepth)
	gauge(c.conflicts, info.Conflicts)
}
