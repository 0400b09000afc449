package audit

import (
	"context"
	"errors"
	"maps"
	"strings"
	"time"

	"go.uber.org/zap"

	"arbiter.gg/internal/auth"
	"arbiter.gg/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Event is one audit record as logged and published.
type Event struct {
	Name      string         `json:"event"`
	At        time.Time      `json:"ts"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Security  bool           `json:"security"`
	Fields    map[string]any `json:"fields"`
}

// Publisher ships security events off-box.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Recorder writes audit entries to the structured log and forwards
// security events to an optional Publisher.
type Recorder struct {
	logger    *zap.Logger
	publisher Publisher
	now       func() time.Time
}

// NewRecorder returns a Recorder; logger and publisher may be nil.
func NewRecorder(logger *zap.Logger, publisher Publisher) *Recorder {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Recorder{logger: logger, publisher: publisher, now: time.Now}
}

func (r *Recorder) build(ctx context.Context, event string, security bool, fields map[string]any) (Event, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return Event{}, errors.New("event name is required")
	}
	ev := Event{
		Name:      event,
		At:        r.now().UTC(),
		RequestID: RequestIDFromContext(ctx),
		Security:  security,
		Fields:    map[string]any{},
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		ev.UserID = userID
	}
	if id, ok := fields["user_id"].(string); ok && ev.UserID == "" {
		ev.UserID = id
	}
	maps.Copy(ev.Fields, fields)
	return ev, nil
}

func (r *Recorder) log(level func(string, ...zap.Field), ev Event) {
	level("audit",
		zap.String("type", "audit"),
		zap.String("event", ev.Name),
		zap.String("request_id", ev.RequestID),
		zap.String("user_id", ev.UserID),
		zap.Any("fields", ev.Fields),
	)
}

// Record logs a routine audit entry.
func (r *Recorder) Record(ctx context.Context, event string, fields map[string]any) error {
	ev, err := r.build(ctx, event, false, fields)
	if err != nil {
		return err
	}
	r.log(r.logger.Info, ev)
	return nil
}

// Security logs a security event and publishes it. Publishing failures are
// logged, never returned: the caller's operation has already happened.
func (r *Recorder) Security(ctx context.Context, event string, fields map[string]any) {
	ev, err := r.build(ctx, event, true, fields)
	if err != nil {
		r.logger.Error("audit event rejected", zap.Error(err))
		return
	}
	r.log(r.logger.Warn, ev)
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Error("security event publish failed",
			zap.String("event", ev.Name),
			zap.Error(err),
		)
	}
}

// Close flushes the publisher.
func (r *Recorder) Close() error {
	if r.publisher == nil {
		return nil
	}
	return r.publisher.Close()
}
