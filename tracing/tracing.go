// Copyright 2021 Molecula Corp. All rights reserved.

// Package tracing is the tracing boundary of the planner. Spans go to
// GlobalTracer; a profiled span additionally records itself and every span
// started below it in a Profile tree that can be rendered next to a plan.
package tracing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// GlobalTracer is a single, global instance of Tracer.
var GlobalTracer Tracer = NopTracer()

// Tracer implements a generic distributed tracing interface.
type Tracer interface {
	// Returns a new child span and context from a given context.
	StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context)
}

// Span represents a single span in a distributed trace.
type Span interface {
	// Sets the end timestamp and finalizes Span state.
	Finish()

	// Adds key/value pairs to the span.
	LogKV(alternatingKeyValues ...interface{})
}

// ProfiledSpan is a span recording its own Profile.
type ProfiledSpan interface {
	Span
	Profile() *Profile
}

// StartSpanFromContext returns a new child span and context using the
// global tracer. Below a profiled span the child is profiled too.
func StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context) {
	parent := profileFromContext(ctx)
	if parent == nil {
		return GlobalTracer.StartSpanFromContext(ctx, operationName)
	}
	return startProfile(ctx, parent, operationName)
}

// StartProfiledSpanFromContext is StartSpanFromContext, except that the
// returned span is always profiled.
func StartProfiledSpanFromContext(ctx context.Context, operationName string) (ProfiledSpan, context.Context) {
	return startProfile(ctx, profileFromContext(ctx), operationName)
}

func startProfile(ctx context.Context, parent *Profile, operationName string) (*Profile, context.Context) {
	p := &Profile{Name: operationName, begin: time.Now()}
	if parent != nil {
		parent.addChild(p)
	}
	p.inner, ctx = GlobalTracer.StartSpanFromContext(ctx, operationName)
	return p, context.WithValue(ctx, profileKey, p)
}

// Profile is the timing tree of a profiled span. Fields are safe to read
// once the span has finished.
type Profile struct {
	mu    sync.Mutex
	inner Span
	begin time.Time

	Name     string
	Duration time.Duration
	KV       map[string]interface{} `json:",omitempty"`
	Children []*Profile             `json:",omitempty"`
}

// Finish records the duration and finishes the traced span.
func (p *Profile) Finish() {
	p.mu.Lock()
	p.Duration = time.Since(p.begin)
	p.mu.Unlock()
	p.inner.Finish()
}

// LogKV keeps string-keyed pairs in KV and forwards them to the traced span.
func (p *Profile) LogKV(alternatingKeyValues ...interface{}) {
	p.mu.Lock()
	for i := 0; i+1 < len(alternatingKeyValues); i += 2 {
		if k, ok := alternatingKeyValues[i].(string); ok {
			if p.KV == nil {
				p.KV = make(map[string]interface{})
			}
			p.KV[k] = alternatingKeyValues[i+1]
		}
	}
	p.mu.Unlock()
	p.inner.LogKV(alternatingKeyValues...)
}

// Profile returns p.
func (p *Profile) Profile() *Profile { return p }

// Children may be added from the goroutines building candidate formulas.
func (p *Profile) addChild(child *Profile) {
	p.mu.Lock()
	p.Children = append(p.Children, child)
	p.mu.Unlock()
}

// String renders the tree, one span per line, children indented.
func (p *Profile) String() string {
	var b strings.Builder
	p.render(&b, 0)
	return b.String()
}

func (p *Profile) render(b *strings.Builder, depth int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(b, "%s%s %s", strings.Repeat("  ", depth), p.Name, p.Duration.Round(time.Microsecond))
	keys := make([]string, 0, len(p.KV))
	for k := range p.KV {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, p.KV[k])
	}
	b.WriteByte('\n')
	for _, c := range p.Children {
		c.render(b, depth+1)
	}
}

// NopTracer returns a tracer that doesn't do anything.
func NopTracer() Tracer {
	return &nopTracer{}
}

type nopTracer struct{}

func (t *nopTracer) StartSpanFromContext(ctx context.Context, operationName string) (Span, context.Context) {
	return &nopSpan{}, ctx
}

type nopSpan struct{}

func (s *nopSpan) Finish()                                   {}
func (s *nopSpan) LogKV(alternatingKeyValues ...interface{}) {}

type contextKey int

const profileKey contextKey = 0

// ContextWithProfile returns a context whose spans are recorded as children
// of p.
func ContextWithProfile(ctx context.Context, p *Profile) context.Context {
	return context.WithValue(ctx, profileKey, p)
}

func profileFromContext(ctx context.Context) *Profile {
	p, _ := ctx.Value(profileKey).(*Profile)
	return p
}
