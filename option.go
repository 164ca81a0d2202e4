package inbox

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/inbox/retry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Page limits
	DefaultPageSize    = 24  // messages per page request
	DefaultMaxPageSize = 100 // cap for WithPageSize

	// Concurrency limits
	DefaultMaxConcurrentRequests = 8 // max concurrent mutation requests per data store
)

// DefaultReconnectPolicy is the socket reconnect policy used when none is set.
func DefaultReconnectPolicy() retry.Config {
	return retry.Config{
		MaxRetries:     5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// options holds inbox configuration.
type options struct {
	connector ConnectorFunc
	logger    *slog.Logger

	// Page limits
	pageSize    int
	maxPageSize int

	// Concurrency limits
	maxConcurrentRequests int

	// Real-time
	reconnect retry.Config

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, mirror publish failures fail the operation
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "MessageChanged"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(eventName string, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", eventName,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(eventName, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:                slog.Default(),
		pageSize:              DefaultPageSize,
		maxPageSize:           DefaultMaxPageSize,
		maxConcurrentRequests: DefaultMaxConcurrentRequests,
		reconnect:             DefaultReconnectPolicy(),
		shutdownTimeout:       DefaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.pageSize > o.maxPageSize {
		o.pageSize = o.maxPageSize
	}

	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures a Service or a DataStore.
type Option func(*options)

// --- Core Options ---

// WithConnector sets the function that opens the API and socket for a
// signed-in identity (required by NewService).
func WithConnector(fn ConnectorFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.connector = fn
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// --- Page Options ---

// WithPageSize sets the number of messages requested per page.
// Values above the max page size are capped. Default is 24.
func WithPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithMaxPageSize sets the cap applied to WithPageSize.
// Default is 100.
func WithMaxPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxPageSize = n
		}
	}
}

// --- Concurrency Options ---

// WithMaxConcurrentRequests sets the maximum number of mutation requests in
// flight at once. Further mutations wait for a slot after their optimistic
// change is applied. Default is 8.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentRequests = n
		}
	}
}

// WithReconnectPolicy sets the backoff used after the socket closes unexpectedly.
// The reconnect loop makes MaxRetries+1 attempts before giving up.
func WithReconnectPolicy(cfg retry.Config) Option {
	return func(o *options) {
		o.reconnect = cfg
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight mutation
// requests when a data store is torn down.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and event bus naming.
// Default is "inbox".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether mirror publishing failures fail
// the mutation call. The optimistic change is kept either way, since the
// server already confirmed it. Default is false.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithEventTransport sets the transport for the cross-process event mirror.
// If not provided, a noop transport is used (events are silently dropped).
//
// Example with Redis:
//
//	transport, _ := redis.New(redisClient)
//	svc, _ := inbox.NewService(inbox.WithEventTransport(transport))
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event mirror transport.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// By default, failures are logged using the configured logger.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
