package mailhost

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/mailhost/store"
)

// Plugin defines the interface for ingestion extensions such as spam
// filters, policy checks or audit trails.
//
// For observing appends without taking part in them, use the event system
// instead (IngestorEvents.MessageAppended).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when the ingestor connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when the ingestor closes.
	Close(ctx context.Context) error
}

// AppendHook is called before and after a message is appended.
type AppendHook interface {
	Plugin
	// BeforeAppend is called after the size check and before anything is
	// stored. Return an error to reject the message.
	BeforeAppend(ctx context.Context, sess *Session, req *AppendRequest) error
	// AfterAppend is called after the message was stored. The message
	// cannot be rolled back; errors are logged.
	AfterAppend(ctx context.Context, sess *Session, msg *store.Message) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all    []Plugin
	append []AppendHook
	logger *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(AppendHook); ok {
		r.append = append(r.append, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func (r *pluginRegistry) beforeAppend(ctx context.Context, sess *Session, req *AppendRequest) error {
	for _, h := range r.append {
		if err := h.BeforeAppend(ctx, sess, req); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforeAppend", Err: err}
		}
	}
	return nil
}

// afterAppend runs every hook even if one fails.
func (r *pluginRegistry) afterAppend(ctx context.Context, sess *Session, msg *store.Message) error {
	var errs []error
	for _, h := range r.append {
		if err := h.AfterAppend(ctx, sess, msg); err != nil {
			errs = append(errs, &PluginError{Plugin: h.Name(), Op: "AfterAppend", Err: err})
		}
	}
	return errors.Join(errs...)
}
