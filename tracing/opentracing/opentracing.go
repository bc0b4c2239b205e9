// Copyright 2021 Molecula Corp. All rights reserved.

// Package opentracing sends planner spans to an OpenTracing tracer.
package opentracing

import (
	"context"
	"time"

	"github.com/featurebasedb/bitplan/logger"
	"github.com/featurebasedb/bitplan/tracing"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
)

// Component is the component tag set on every span.
const Component = "bitplan"

// Ensure type implements interface.
var _ tracing.Tracer = (*Tracer)(nil)

// Tracer represents a wrapper for OpenTracing that implements tracing.Tracer.
type Tracer struct {
	tracer opentracing.Tracer
	logger logger.Logger
}

// NewTracer returns a new instance of Tracer. Finished spans are logged at
// debug level.
func NewTracer(tracer opentracing.Tracer, logger logger.Logger) *Tracer {
	return &Tracer{tracer: tracer, logger: logger}
}

// StartSpanFromContext returns a new child span and context from a given
// context. The span is a child of the OpenTracing span of ctx, if any.
func (t *Tracer) StartSpanFromContext(ctx context.Context, operationName string) (tracing.Span, context.Context) {
	opts := []opentracing.StartSpanOption{opentracing.Tag{Key: string(ext.Component), Value: Component}}
	if parent := opentracing.SpanFromContext(ctx); parent != nil {
		opts = append(opts, opentracing.ChildOf(parent.Context()))
	}
	s := t.tracer.StartSpan(operationName, opts...)
	return &span{Span: s, name: operationName, begin: time.Now(), logger: t.logger}, opentracing.ContextWithSpan(ctx, s)
}

type span struct {
	opentracing.Span
	name   string
	begin  time.Time
	logger logger.Logger
}

func (s *span) Finish() {
	s.Span.Finish()
	s.logger.Debugf("span %s finished after %s", s.name, time.Since(s.begin))
}

// LogKV forwards the pairs. An "error" key marks the span as failed.
func (s *span) LogKV(alternatingKeyValues ...interface{}) {
	for i := 0; i+1 < len(alternatingKeyValues); i += 2 {
		if k, ok := alternatingKeyValues[i].(string); ok && k == "error" {
			ext.Error.Set(s.Span, true)
		}
	}
	s.Span.LogKV(alternatingKeyValues...)
}
