// Package oracletest provides a scripted, deterministic oracle for tests.
package oracletest

import (
	"context"
	"sync"

	"github.com/msageha/cogno/internal/oracle"
)

// Script answers each stage with the configured function and records every input.
// A nil function answers with an empty decision; a nil Summarize echoes Events.
type Script struct {
	Resolve     func(oracle.ResolveInput) (oracle.Resolution, error)
	Generate    func(oracle.GenerateInput) (oracle.Drafts, error)
	Consolidate func(oracle.ConsolidateInput) (oracle.Consolidation, error)
	Summarize   func(oracle.SummarizeInput) (oracle.Summary, error)

	mu               sync.Mutex
	resolveCalls     []oracle.ResolveInput
	generateCalls    []oracle.GenerateInput
	consolidateCalls []oracle.ConsolidateInput
	summarizeCalls   []oracle.SummarizeInput
}

func (s *Script) Set() oracle.Set { return oracle.NewSet(s) }

func (s *Script) ResolveTasks(ctx context.Context, in oracle.ResolveInput) (oracle.Resolution, error) {
	s.mu.Lock()
	s.resolveCalls = append(s.resolveCalls, in)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return oracle.Resolution{}, err
	}
	if s.Resolve == nil {
		return oracle.Resolution{}, nil
	}
	return s.Resolve(in)
}

func (s *Script) GenerateNotifications(ctx context.Context, in oracle.GenerateInput) (oracle.Drafts, error) {
	s.mu.Lock()
	s.generateCalls = append(s.generateCalls, in)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return oracle.Drafts{}, err
	}
	if s.Generate == nil {
		return oracle.Drafts{}, nil
	}
	return s.Generate(in)
}

func (s *Script) ConsolidateNotifications(ctx context.Context, in oracle.ConsolidateInput) (oracle.Consolidation, error) {
	s.mu.Lock()
	s.consolidateCalls = append(s.consolidateCalls, in)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return oracle.Consolidation{}, err
	}
	if s.Consolidate == nil {
		return oracle.Consolidation{}, nil
	}
	return s.Consolidate(in)
}

func (s *Script) SummarizeMemory(ctx context.Context, in oracle.SummarizeInput) (oracle.Summary, error) {
	s.mu.Lock()
	s.summarizeCalls = append(s.summarizeCalls, in)
	s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return oracle.Summary{}, err
	}
	if s.Summarize == nil {
		return oracle.Summary{Content: in.Events}, nil
	}
	return s.Summarize(in)
}

func (s *Script) ResolveCalls() []oracle.ResolveInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.ResolveInput(nil), s.resolveCalls...)
}

func (s *Script) GenerateCalls() []oracle.GenerateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.GenerateInput(nil), s.generateCalls...)
}

func (s *Script) ConsolidateCalls() []oracle.ConsolidateInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.ConsolidateInput(nil), s.consolidateCalls...)
}

func (s *Script) SummarizeCalls() []oracle.SummarizeInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.SummarizeInput(nil), s.summarizeCalls...)
}

// TotalCalls counts oracle invocations across all stages.
func (s *Script) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resolveCalls) + len(s.generateCalls) + len(s.consolidateCalls) + len(s.summarizeCalls)
}
