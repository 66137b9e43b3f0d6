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
	instrumentationName = "taskdeck/api"
	observabilityEvent  = "observability.event"
	requestEventDomain  = "taskdeck.api"
)

// requestMetrics collects per-request timings and emits them once as a span
// event and a structured log line.
type requestMetrics struct {
	logger *log.Logger
	span   trace.Span

	method    string
	route     string
	eventName string
	start     time.Time

	authDuration  time.Duration
	storeDuration time.Duration
	execDuration  time.Duration

	taskID        string
	tasksReturned int
	hasTaskCount  bool
	filtered      bool
	errorStage    string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, method, route, eventName string) (*requestMetrics, context.Context) {
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
	return &requestMetrics{
		logger:    logger,
		span:      span,
		method:    method,
		route:     route,
		eventName: eventName,
		start:     time.Now(),
	}, ctx
}

func (m *requestMetrics) ObserveAuth(d time.Duration) {
	if d > 0 {
		m.authDuration = d
	}
}

func (m *requestMetrics) ObserveStore(d time.Duration) {
	if d > 0 {
		m.storeDuration += d
	}
}

func (m *requestMetrics) ObserveExec(d time.Duration) {
	if d > 0 {
		m.execDuration = d
	}
}

func (m *requestMetrics) SetTaskID(id string) { m.taskID = id }

func (m *requestMetrics) SetFiltered(filtered bool) { m.filtered = filtered }

func (m *requestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
	m.hasTaskCount = true
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and writes the request summary.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Float64("taskdeck.total_ms", durationToMillis(time.Since(m.start))),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.execDuration > 0 {
		attrs = append(attrs, attribute.Float64("taskdeck.exec_ms", durationToMillis(m.execDuration)))
	}
	if m.taskID != "" {
		attrs = append(attrs, attribute.String("taskdeck.task_id", m.taskID))
	}
	if m.hasTaskCount {
		attrs = append(attrs,
			attribute.Int("taskdeck.tasks_returned", m.tasksReturned),
			attribute.Bool("taskdeck.filtered", m.filtered),
		)
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("taskdeck.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	severityText, severityNumber := severityForStatus(status, err)

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		eventAttrs := append([]attribute.KeyValue{
			attribute.String("event.name", m.eventName),
			attribute.String("event.domain", requestEventDomain),
			attribute.String("severity_text", severityText),
		}, attrs...)
		m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
		if severityText == "ERROR" {
			desc := m.errorStage
			if err != nil {
				m.span.RecordError(err)
				desc = err.Error()
			}
			if desc == "" {
				desc = http.StatusText(status)
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields := log.Fields{
		"event.name":      m.eventName,
		"event.domain":    requestEventDomain,
		"attributes":      attrMap,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityText), observabilityEvent)
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func levelForSeverity(text string) log.Level {
	switch text {
	case "ERROR":
		return log.ErrorLevel
	case "WARN":
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
