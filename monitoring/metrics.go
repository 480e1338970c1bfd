package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace 指标命名空间
const Namespace = "cancerdetect"

// Prediction sources.
const (
	SourceForm      = "form"
	SourceAPI       = "api"
	SourceWebSocket = "websocket"
)

// Metrics 指标收集器, backed by its own registry rather than the global one.
type Metrics struct {
	registry *prometheus.Registry

	predictions       *prometheus.CounterVec
	predictionErrors  *prometheus.CounterVec
	predictionLatency *prometheus.HistogramVec
	modelReloads      *prometheus.CounterVec
	modelTrainedAt    prometheus.Gauge
	modelFeatures     prometheus.Gauge
	httpRequests      *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	wsClients         prometheus.Gauge
	trainingRuns      prometheus.Counter
	trainingAccuracy  prometheus.Gauge
	trainingDuration  prometheus.Gauge

	startTime time.Time
}

// NewMetrics 创建指标收集器
func NewMetrics() *Metrics {
	m := &Metrics{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "predictions_total",
			Help:      "Predictions served, by source and predicted label.",
		}, []string{"source", "label"}),
		predictionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "prediction_errors_total",
			Help:      "Rejected prediction requests, by source and reason.",
		}, []string{"source", "reason"}),
		predictionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "prediction_duration_seconds",
			Help:      "Time spent scoring one feature vector.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"source"}),
		modelReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "model_reloads_total",
			Help:      "Model artifact loads, by result.",
		}, []string{"result"}),
		modelTrainedAt: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "model_trained_timestamp_seconds",
			Help:      "Training time of the active model.",
		}),
		modelFeatures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "model_features",
			Help:      "Number of features the active model expects.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests, by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "websocket_clients",
			Help:      "Connected live-prediction clients.",
		}),
		trainingRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "training_runs_total",
			Help:      "Completed training runs.",
		}),
		trainingAccuracy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "training_test_accuracy",
			Help:      "Held-out accuracy of the last training run.",
		}),
		trainingDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "training_duration_seconds",
			Help:      "Wall time of the last training run.",
		}),
	}

	m.registry.MustRegister(
		m.predictions,
		m.predictionErrors,
		m.predictionLatency,
		m.modelReloads,
		m.modelTrainedAt,
		m.modelFeatures,
		m.httpRequests,
		m.httpDuration,
		m.wsClients,
		m.trainingRuns,
		m.trainingAccuracy,
		m.trainingDuration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the process started collecting metrics.",
		}, func() float64 { return m.Uptime().Seconds() }),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Uptime 返回运行时间
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// ObservePrediction 记录一次成功预测
func (m *Metrics) ObservePrediction(source, label string, elapsed time.Duration) {
	m.predictions.WithLabelValues(source, label).Inc()
	m.predictionLatency.WithLabelValues(source).Observe(elapsed.Seconds())
}

// PredictionFailed 记录一次被拒绝的预测
func (m *Metrics) PredictionFailed(source, reason string) {
	m.predictionErrors.WithLabelValues(source, reason).Inc()
}

// ModelActivated 记录模型切换
func (m *Metrics) ModelActivated(trainedAt time.Time, features int) {
	m.modelReloads.WithLabelValues("ok").Inc()
	m.modelTrainedAt.Set(float64(trainedAt.Unix()))
	m.modelFeatures.Set(float64(features))
}

// ModelRejected 记录加载失败
func (m *Metrics) ModelRejected() {
	m.modelReloads.WithLabelValues("rejected").Inc()
}

// ObserveRequest 记录HTTP请求
func (m *Metrics) ObserveRequest(method, route string, code int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

// ClientConnected 记录WebSocket连接
func (m *Metrics) ClientConnected() {
	m.wsClients.Inc()
}

// ClientDisconnected 记录WebSocket断开
func (m *Metrics) ClientDisconnected() {
	m.wsClients.Dec()
}

// ObserveTraining 记录训练结果
func (m *Metrics) ObserveTraining(accuracy float64, elapsed time.Duration) {
	m.trainingRuns.Inc()
	m.trainingAccuracy.Set(accuracy)
	m.trainingDuration.Set(elapsed.Seconds())
}

// RegisterCacheStats exposes the prediction cache counters read from stats.
func (m *Metrics) RegisterCacheStats(stats func() (hits, misses uint64)) error {
	hits := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "prediction_cache_hits_total",
		Help:      "Predictions answered from the cache.",
	}, func() float64 {
		h, _ := stats()
		return float64(h)
	})
	misses := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: Namespace,
		Name:      "prediction_cache_misses_total",
		Help:      "Predictions scored by the model.",
	}, func() float64 {
		_, mi := stats()
		return float64(mi)
	})
	if err := m.registry.Register(hits); err != nil {
		return err
	}
	return m.registry.Register(misses)
}
