package mailhost

import (
	"testing"
	"time"
)

func TestOptionDefaults(t *testing.T) {
	o := newOptions()

	if o.maxQuota != DefaultMaxQuota {
		t.Errorf("maxQuota = %d", o.maxQuota)
	}
	if o.inlineTextLimit != DefaultInlineTextLimit {
		t.Errorf("inlineTextLimit = %d", o.inlineTextLimit)
	}
	if o.maxBackgroundTasks != DefaultMaxBackgroundTasks {
		t.Errorf("maxBackgroundTasks = %d", o.maxBackgroundTasks)
	}
	if o.pgpNoticeWindow != DefaultPGPNoticeWindow {
		t.Errorf("pgpNoticeWindow = %v", o.pgpNoticeWindow)
	}
	if o.cleanupBatchSize != DefaultCleanupBatchSize {
		t.Errorf("cleanupBatchSize = %d", o.cleanupBatchSize)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("shutdownTimeout = %v", o.shutdownTimeout)
	}
	if o.logger == nil || o.clock == nil || o.onEventPublishFailure == nil {
		t.Error("logger, clock and publish failure handler must be set")
	}
}

func TestOptionsIgnoreZeroValues(t *testing.T) {
	o := newOptions(
		WithStore(nil),
		WithBodyFiles(nil),
		WithLogger(nil),
		WithMaxQuota(0),
		WithMaxBackgroundTasks(-1),
		WithShutdownTimeout(time.Millisecond),
		WithPGPNoticeWindow(0),
		WithCleanupBatchSize(0),
		WithClock(nil),
		WithNoticeFrom(""),
		WithPlugin(nil),
	)
	if o.store != nil || o.files != nil {
		t.Error("nil stores applied")
	}
	if o.maxQuota != DefaultMaxQuota || o.maxBackgroundTasks != DefaultMaxBackgroundTasks {
		t.Error("invalid limits applied")
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("shutdown timeout below minimum applied: %v", o.shutdownTimeout)
	}
	if o.pgpNoticeWindow != DefaultPGPNoticeWindow || o.cleanupBatchSize != DefaultCleanupBatchSize {
		t.Error("zero durations or sizes applied")
	}
	if o.clock == nil || o.logger == nil || len(o.plugins) != 0 {
		t.Error("nil values applied")
	}
}

func TestOptionsApply(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	o := newOptions(
		WithMaxQuota(1<<20),
		WithInlineTextLimit(0),
		WithPGPNoticeWindow(time.Hour),
		WithClock(func() time.Time { return now }),
		WithServiceName("ingest"),
	)
	if o.maxQuota != 1<<20 {
		t.Errorf("maxQuota = %d", o.maxQuota)
	}
	if o.inlineTextLimit != 0 {
		t.Errorf("inlineTextLimit = %d, want 0 to store every leaf", o.inlineTextLimit)
	}
	if o.pgpNoticeWindow != time.Hour {
		t.Errorf("pgpNoticeWindow = %v", o.pgpNoticeWindow)
	}
	if !o.clock().Equal(now) {
		t.Error("clock not applied")
	}
	if o.serviceName != "ingest" {
		t.Errorf("serviceName = %q", o.serviceName)
	}
}
