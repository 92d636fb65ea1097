package router

import (
	"sort"
	"sync"
)

// ScoreBoard holds the per-model counters that order routing candidates.
//
// score(model) = recency + penalty*failures. Every attempt bumps recency, so
// recently tried models drift back; failures push a model further down until
// successes pay them off. Nothing is persisted and Reset clears everything.
type ScoreBoard struct {
	mu      sync.Mutex
	penalty int
	models  map[string]*modelCounters
}

type modelCounters struct {
	recency  int
	failures int
}

// ModelScore is a snapshot of one model's counters.
type ModelScore struct {
	Model    string `json:"model"`
	Recency  int    `json:"recency"`
	Failures int    `json:"failures"`
	Score    int    `json:"score"`
}

// NewScoreBoard creates a ScoreBoard. penalty < 1 falls back to 10.
func NewScoreBoard(penalty int) *ScoreBoard {
	if penalty < 1 {
		penalty = 10
	}
	return &ScoreBoard{
		penalty: penalty,
		models:  make(map[string]*modelCounters),
	}
}

// Order returns candidates sorted by ascending score. Equal scores keep
// their input order.
func (s *ScoreBoard) Order(candidates []string) []string {
	s.mu.Lock()
	scores := make(map[string]int, len(candidates))
	for _, m := range candidates {
		scores[m] = s.scoreLocked(m)
	}
	s.mu.Unlock()

	ordered := make([]string, len(candidates))
	copy(ordered, candidates)
	sort.SliceStable(ordered, func(i, j int) bool {
		return scores[ordered[i]] < scores[ordered[j]]
	})
	return ordered
}

// RecordAttempt updates a model's counters after one attempt.
func (s *ScoreBoard) RecordAttempt(model string, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.countersLocked(model)
	c.recency++
	if success {
		if c.failures > 0 {
			c.failures--
		}
		return
	}
	c.failures++
}

// Get returns the counters for one model. Unknown models score zero.
func (s *ScoreBoard) Get(model string) ModelScore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(model)
}

// Snapshot returns every tracked model, sorted by model id.
func (s *ScoreBoard) Snapshot() []ModelScore {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ModelScore, 0, len(s.models))
	for model := range s.models {
		out = append(out, s.snapshotLocked(model))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// Reset forgets all counters.
func (s *ScoreBoard) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models = make(map[string]*modelCounters)
}

func (s *ScoreBoard) countersLocked(model string) *modelCounters {
	c, ok := s.models[model]
	if !ok {
		c = &modelCounters{}
		s.models[model] = c
	}
	return c
}

func (s *ScoreBoard) scoreLocked(model string) int {
	c, ok := s.models[model]
	if !ok {
		return 0
	}
	return c.recency + s.penalty*c.failures
}

func (s *ScoreBoard) snapshotLocked(model string) ModelScore {
	ms := ModelScore{Model: model}
	if c, ok := s.models[model]; ok {
		ms.Recency = c.recency
		ms.Failures = c.failures
	}
	ms.Score = ms.Recency + s.penalty*ms.Failures
	return ms
}
