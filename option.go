package mailhost

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mailhost/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	// MaxMessageSize is the hard limit for a single raw message (64 MiB).
	MaxMessageSize = 64 * 1024 * 1024

	DefaultMaxQuota        = 10 * 1024 * 1024 * 1024 // 10 GiB per domain
	DefaultShutdownTimeout = 30 * time.Second        // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second         // minimum shutdown timeout

	// Body storage
	DefaultInlineTextLimit = 64 * 1024 // text parts up to this size stay in the mime tree

	// Background side tasks (size refresh, PGP notices)
	DefaultMaxBackgroundTasks = 64
	DefaultSizeRefreshTimeout = 5 * time.Second

	// PGP notice throttling
	DefaultPGPNoticeWindow   = 24 * time.Hour
	DefaultPGPNoticeClearAge = time.Hour

	// Retention cleanup
	DefaultCleanupBatchSize = 100
)

// options holds ingestor configuration.
type options struct {
	store  store.Store
	files  store.AttachmentFileStore
	logger *slog.Logger

	plugins []Plugin

	// Quota
	maxQuota int64

	// Body storage
	inlineTextLimit int

	// Collaborators; defaults are built from the store when nil.
	notifier      ChangeNotifier
	threads       ThreadResolver
	sizeRefresher SizeRefresher
	mailer        Mailer
	noticeFrom    string
	encrypt       EncryptFunc

	// Background work
	maxBackgroundTasks int
	sizeRefreshTimeout time.Duration
	pgpNoticeWindow    time.Duration
	pgpNoticeClearAge  time.Duration

	cleanupBatchSize int
	clock            func() time.Time

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish.
// The eventName is the name of the event (e.g., "MessageAppended"), and err is the publish error.
type EventPublishFailureFunc func(eventName string, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
// If the callback panics, the panic is logged and suppressed.
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
		logger:             slog.Default(),
		maxQuota:           DefaultMaxQuota,
		inlineTextLimit:    DefaultInlineTextLimit,
		maxBackgroundTasks: DefaultMaxBackgroundTasks,
		sizeRefreshTimeout: DefaultSizeRefreshTimeout,
		pgpNoticeWindow:    DefaultPGPNoticeWindow,
		pgpNoticeClearAge:  DefaultPGPNoticeClearAge,
		cleanupBatchSize:   DefaultCleanupBatchSize,
		shutdownTimeout:    DefaultShutdownTimeout,
		clock:              time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(eventName string, err error) {
			o.logger.Error("failed to publish event", "event", eventName, "error", err)
		}
	}

	return o
}

// Option configures an ingestor.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required for LocalIngestor).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithBodyFiles sets where message bodies and attachments are stored
// (required for LocalIngestor).
func WithBodyFiles(fs store.AttachmentFileStore) Option {
	return func(o *options) {
		if fs != nil {
			o.files = fs
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

// --- Plugin Options ---

// WithPlugin registers a plugin. Plugins implementing AppendHook are
// called around every append.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- Quota and Storage Options ---

// WithMaxQuota sets the storage ceiling in bytes shared by all owners of a
// domain. Default is 10 GiB.
func WithMaxQuota(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxQuota = n
		}
	}
}

// WithInlineTextLimit sets the largest text part kept inline in the mime
// tree instead of the body store. Default is 64 KiB.
func WithInlineTextLimit(n int) Option {
	return func(o *options) {
		if n >= 0 {
			o.inlineTextLimit = n
		}
	}
}

// --- Collaborator Options ---

// WithNotifier sets the change notifier. Default is a notify.Notifier on
// the store's journal with no broadcasters.
func WithNotifier(n ChangeNotifier) Option {
	return func(o *options) {
		if n != nil {
			o.notifier = n
		}
	}
}

// WithThreadResolver sets the thread resolver. Default is a
// threading.Resolver on the store.
func WithThreadResolver(r ThreadResolver) Option {
	return func(o *options) {
		if r != nil {
			o.threads = r
		}
	}
}

// WithSizeRefresher sets who recomputes owner storage after a write,
// usually the storage worker client. Without one no refresh is requested.
func WithSizeRefresher(r SizeRefresher) Option {
	return func(o *options) {
		if r != nil {
			o.sizeRefresher = r
		}
	}
}

// WithSizeRefreshTimeout bounds each size refresh call. Default is 5 seconds.
func WithSizeRefreshTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.sizeRefreshTimeout = d
		}
	}
}

// WithMailer sets the mailer for owner notices (PGP errors).
// Without one no notices are sent.
func WithMailer(m Mailer) Option {
	return func(o *options) {
		if m != nil {
			o.mailer = m
		}
	}
}

// WithNoticeFrom sets the address copied on owner notices.
func WithNoticeFrom(addr string) Option {
	return func(o *options) {
		if addr != "" {
			o.noticeFrom = addr
		}
	}
}

// WithEncryptFunc replaces the PGP encryption function. Default is pgp.Encrypt.
func WithEncryptFunc(fn EncryptFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.encrypt = fn
		}
	}
}

// WithPGPNoticeWindow sets how often at most an owner is told about
// encryption errors. Default is 24 hours.
func WithPGPNoticeWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pgpNoticeWindow = d
		}
	}
}

// --- Concurrency Options ---

// WithMaxBackgroundTasks bounds concurrent background side tasks.
// When the bound is reached new side tasks are skipped and logged.
// Default is 64.
func WithMaxBackgroundTasks(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxBackgroundTasks = n
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for background tasks
// during graceful shutdown.
// Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Retention Options ---

// WithCleanupBatchSize sets how many expired messages CleanupExpired
// loads per round. Default is 100.
func WithCleanupBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cleanupBatchSize = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
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

// WithServiceName sets the service name for OpenTelemetry telemetry.
// Default is "mailhost".
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

// WithEventTransport sets the event transport for publishing and subscribing.
// If not provided, a noop transport is used (events are silently dropped).
//
// Example with Redis:
//
//	transport, _ := redis.New(redisClient)
//	ing, _ := mailhost.NewLocalIngestor(mailhost.WithEventTransport(transport))
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient sets a Redis client for the event transport.
// Ignored when WithEventTransport is also given.
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
