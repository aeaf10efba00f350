package conversation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// turnMetrics instruments conversation turns. Registration failure
// degrades to a nil receiver, which no-ops every observation.
type turnMetrics struct {
	turns     metric.Int64Counter
	duration  metric.Float64Histogram
	fragments metric.Int64Counter
}

func newTurnMetrics(logger *slog.Logger) *turnMetrics {
	meter := otel.Meter("github.com/parlolabs/parlo-core/conversation")
	turns, err := meter.Int64Counter("parlo.conversation.turns",
		metric.WithDescription("Completed conversation turns by outcome"))
	if err != nil {
		logger.Warn("failed to register turn metrics", slogError(err))
		return nil
	}
	duration, err := meter.Float64Histogram("parlo.conversation.turn.duration",
		metric.WithDescription("Turn duration from accepted utterance to settled status"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to register turn metrics", slogError(err))
		return nil
	}
	fragments, err := meter.Int64Counter("parlo.conversation.fragments",
		metric.WithDescription("Streamed reply fragments received"))
	if err != nil {
		logger.Warn("failed to register turn metrics", slogError(err))
		return nil
	}
	return &turnMetrics{turns: turns, duration: duration, fragments: fragments}
}

func (m *turnMetrics) observeTurn(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.turns.Add(context.Background(), 1, attrs)
	m.duration.Record(context.Background(), elapsed.Seconds(), attrs)
}

func (m *turnMetrics) observeFragment() {
	if m == nil {
		return
	}
	m.fragments.Add(context.Background(), 1)
}
