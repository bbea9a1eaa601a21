// Package lifecycle guarantees that every transient resource a
// pipeline acquires is released again, in reverse acquisition order,
// on every exit path including cancellation.
package lifecycle

import (
	"context"
	"log/slog"
	"sync"
)

// ReleaseFunc undoes one acquisition.
type ReleaseFunc func(ctx context.Context) error

// Release is the handle for one pushed release. It fires at most once;
// Disarm cancels it for resources the caller decides to keep (a
// restored volume is the deliverable, not waste).
type Release struct {
	name  string
	fn    ReleaseFunc
	mu    sync.Mutex
	armed bool
}

func (r *Release) Disarm() {
	r.mu.Lock()
	r.armed = false
	r.mu.Unlock()
}

func (r *Release) run(ctx context.Context) (bool, error) {
	r.mu.Lock()
	armed := r.armed
	r.armed = false
	r.mu.Unlock()
	if !armed {
		return false, nil
	}
	return true, r.fn(ctx)
}

// Warning reports a resource that could not be cleanly released, so
// the operator knows what to reclaim by hand. It is deliberately
// separate from the pipeline's primary error.
type Warning struct {
	Resource string
	Err      error
}

// LogWarnings surfaces release failures as their own warning class,
// never mixed into the primary error.
func LogWarnings(warnings []Warning) {
	for _, w := range warnings {
		slog.Warn("Resource was not cleanly released, reclaim manually",
			"resource", w.Resource, "error", w.Err)
	}
}

// Stack holds the acquired-resource releases of one pipeline run.
// Pipelines push a release at each acquisition and call ReleaseAll on
// every exit path; repeated calls are no-ops for already-released
// entries, so a deferred ReleaseAll can back up an explicit one.
type Stack struct {
	mu       sync.Mutex
	releases []*Release
}

func NewStack() *Stack {
	return &Stack{}
}

func (s *Stack) Push(name string, fn ReleaseFunc) *Release {
	r := &Release{name: name, fn: fn, armed: true}
	s.mu.Lock()
	s.releases = append(s.releases, r)
	s.mu.Unlock()
	return r
}

// ReleaseAll runs the armed releases in reverse acquisition order.
// Release failures never abort the sequence; they are collected as
// warnings so an in-flight primary error is not suppressed. The passed
// context's cancellation is ignored: an interrupted run still cleans
// up.
func (s *Stack) ReleaseAll(ctx context.Context) []Warning {
	ctx = context.WithoutCancel(ctx)

	s.mu.Lock()
	releases := s.releases
	s.releases = nil
	s.mu.Unlock()

	var warnings []Warning
	for i := len(releases) - 1; i >= 0; i-- {
		ran, err := releases[i].run(ctx)
		if ran && err != nil {
			warnings = append(warnings, Warning{Resource: releases[i].name, Err: err})
		}
	}
	return warnings
}
