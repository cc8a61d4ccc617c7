package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "github.com/x7ddf74479jn5/simple-kanban-planner/api"
	movesSpanName    = "api.moves.request"
	movesEventName   = "kanban.moves.request"
	movesEventDomain = "kanban.api"
	movesRoute       = "/api/boards/:board/moves"
	observabilityMsg = "observability.event"
)

// moveRequestMetrics records one drag and drop request as a span and a
// structured log entry.
type moveRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration  time.Duration
	applyDuration time.Duration
	intentType    string
	changed       bool
	duplicate     bool
	errorStage    string
}

func newMoveRequestMetrics(ctx context.Context, logger *log.Logger) (*moveRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, movesSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &moveRequestMetrics{logger: logger, span: span, start: time.Now()}, ctx
}

func (m *moveRequestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *moveRequestMetrics) ObserveApply(d time.Duration) {
	if d > 0 {
		m.applyDuration = d
	}
}

func (m *moveRequestMetrics) SetIntentType(kind string) { m.intentType = kind }

func (m *moveRequestMetrics) SetChanged(changed bool) { m.changed = changed }

func (m *moveRequestMetrics) SetDuplicate(dup bool) { m.duplicate = dup }

func (m *moveRequestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log ends the span and emits the observability event.
func (m *moveRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("http.route", movesRoute),
		attribute.Int("http.status_code", status),
		attribute.Float64("kanban.moves.total_ms", durationToMillis(time.Since(m.start))),
		attribute.Bool("kanban.moves.changed", m.changed),
		attribute.Bool("kanban.moves.duplicate", m.duplicate),
	}
	if m.intentType != "" {
		attrs = append(attrs, attribute.String("kanban.moves.intent_type", m.intentType))
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("kanban.moves.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.applyDuration > 0 {
		attrs = append(attrs, attribute.Float64("kanban.moves.apply_ms", durationToMillis(m.applyDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("kanban.moves.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}
	severityText, severityNumber := severityForStatus(status, err)

	m.span.SetAttributes(attrs...)
	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", movesEventName),
		attribute.String("event.domain", movesEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	m.span.AddEvent(observabilityMsg, trace.WithAttributes(eventAttrs...))
	if severityText == "ERROR" {
		msg := http.StatusText(status)
		if err != nil {
			m.span.RecordError(err)
			msg = err.Error()
		}
		m.span.SetStatus(codes.Error, msg)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	spanCtx := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	values := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		values[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      movesEventName,
		"event.domain":    movesEventDomain,
		"attributes":      values,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if spanCtx.HasTraceID() {
		fields["trace_id"] = spanCtx.TraceID().String()
		fields["span_id"] = spanCtx.SpanID().String()
	}
	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error(observabilityMsg)
	case "WARN":
		entry.Warn(observabilityMsg)
	default:
		entry.Info(observabilityMsg)
	}
}

// severityForStatus maps a response to OpenTelemetry log severity.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= http.StatusInternalServerError || (err != nil && status < http.StatusBadRequest):
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
