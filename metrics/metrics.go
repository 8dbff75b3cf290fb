// Package metrics exposes command execution statistics to Prometheus.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cepro/mppgateway/inverter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mpp"

// Recorder counts command executions. It implements inverter.Observer.
type Recorder struct {
	registry   *prometheus.Registry
	executions *prometheus.CounterVec
	attempts   *prometheus.HistogramVec
	duration   *prometheus.HistogramVec
	lastPoll   *prometheus.GaugeVec
}

var _ inverter.Observer = (*Recorder)(nil)

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_executions_total",
			Help:      "Commands executed against an inverter, by result.",
		}, []string{"device", "command", "result"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_attempts",
			Help:      "Number of sends needed before a command got a valid response or gave up.",
			Buckets:   []float64{1, 2, 3, 5, 10},
		}, []string{"device", "command"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command, including retries.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"device", "command"}),
		lastPoll: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_poll_timestamp_seconds",
			Help:      "Unix time of the last completed poll of an inverter.",
		}, []string{"device"}),
	}
	r.registry.MustRegister(r.executions, r.attempts, r.duration, r.lastPoll)
	return r
}

func (r *Recorder) ObserveExecution(device string, command string, attempts int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	r.executions.WithLabelValues(device, command, result).Inc()
	r.attempts.WithLabelValues(device, command).Observe(float64(attempts))
	r.duration.WithLabelValues(device, command).Observe(duration.Seconds())
}

// ObservePoll records the time a poll of `device` completed.
func (r *Recorder) ObservePoll(device string, t time.Time) {
	r.lastPoll.WithLabelValues(device).Set(float64(t.Unix()))
}

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on `addr` until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "address", addr)
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve metrics: %w", err)
	}
	return nil
}
