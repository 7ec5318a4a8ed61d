package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"
)

// GreedyTopP is the nucleus threshold at or below which sampling degenerates
// to picking the most probable token.
const GreedyTopP = 1e-6

// Config configures the behaviour of a Sampler.
type Config struct {
	// Temperature <= 0 selects the arg-max of the raw logits.
	Temperature float32
	TopP        float32
	// RepetitionPenalty > 1 discourages ids present in the recent window.
	RepetitionPenalty float32
	// RepeatLastN bounds the recent window; 0 uses everything passed in.
	RepeatLastN int
}

// Sampler turns logits into a token id. It owns reusable scratch space and
// the random source it was given, so it must not be shared between sessions.
type Sampler struct {
	cfg Config
	rng *rand.Rand

	work  []float32
	prob  []float64
	order []int

	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a sampler drawing from rng. A nil rng makes every
// non-greedy draw pick the most probable retained token instead.
func NewSampler(cfg Config, rng *rand.Rand) *Sampler {
	if cfg.TopP > 1 || math.IsNaN(float64(cfg.TopP)) {
		cfg.TopP = 1
	}
	if cfg.RepeatLastN < 0 {
		cfg.RepeatLastN = 0
	}
	return &Sampler{cfg: cfg, rng: rng}
}

// Config returns the effective configuration.
func (s *Sampler) Config() Config { return s.cfg }

// Sample is the stateless form of Sampler.Sample.
func Sample(logits []float32, temperature, penalty float32, recent []int, topP float32, rng *rand.Rand) int {
	return NewSampler(Config{Temperature: temperature, TopP: topP, RepetitionPenalty: penalty}, rng).Sample(logits, recent)
}

// Sample draws a single index from logits without modifying it. The process:
//
//  1. Temperature <= 0 returns the arg-max immediately.
//  2. Logits are divided by the temperature.
//  3. Each distinct id in the recent window has its logit divided by the
//     penalty when positive and multiplied by it otherwise.
//  4. A softmax with max subtraction gives probabilities.
//  5. TopP <= GreedyTopP returns the most probable token.
//  6. Otherwise candidates are ordered by probability (ties by lower id),
//     truncated once the cumulative mass reaches TopP, and one is drawn
//     from the renormalised prefix.
//
// Exact ties always resolve to the lowest index.
func (s *Sampler) Sample(logits []float32, recent []int) int {
	if s.cfg.Temperature <= 0 {
		return argmax(logits)
	}
	prob, ok := s.distribution(logits, recent)
	if !ok {
		return argmax(s.work)
	}
	if s.cfg.TopP <= GreedyTopP || s.rng == nil {
		return argmax64(prob)
	}

	order := s.sortedOrder(prob)
	cut := len(order)
	mass := 1.0
	if s.cfg.TopP < 1 {
		var c float64
		for i, id := range order {
			c += prob[id]
			if c >= float64(s.cfg.TopP) {
				cut = i + 1
				break
			}
		}
		mass = c
	}

	r := s.rng.Float64() * mass
	var c float64
	for _, id := range order[:cut] {
		c += prob[id]
		if r < c {
			return id
		}
	}
	return order[cut-1]
}

// distribution fills s.prob with the post-temperature, post-penalty softmax.
// It reports false when the logits admit no finite distribution.
func (s *Sampler) distribution(logits []float32, recent []int) ([]float64, bool) {
	n := len(logits)
	if cap(s.work) < n {
		s.work = make([]float32, n)
		s.prob = make([]float64, n)
	}
	work := s.work[:n]
	s.work = work
	inv := 1 / s.cfg.Temperature
	for i, l := range logits {
		work[i] = l * inv
	}
	s.applyPenalty(work, recent)

	maxv := float32(math.Inf(-1))
	for _, v := range work {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), 0) {
		return nil, false
	}
	prob := s.prob[:n]
	var sum float64
	for i, v := range work {
		e := math.Exp(float64(v - maxv))
		prob[i] = e
		sum += e
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return nil, false
	}
	inv64 := 1 / sum
	for i := range prob {
		prob[i] *= inv64
	}
	return prob, true
}

func (s *Sampler) applyPenalty(work []float32, recent []int) {
	p := s.cfg.RepetitionPenalty
	if p <= 0 || p == 1 || len(recent) == 0 {
		return
	}
	if s.cfg.RepeatLastN > 0 && len(recent) > s.cfg.RepeatLastN {
		recent = recent[len(recent)-s.cfg.RepeatLastN:]
	}

	if len(s.seenMark) < len(work) {
		s.seenMark = make([]uint32, len(work))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range recent {
		if id >= 0 && id < len(work) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}
	for _, id := range s.seenList {
		if work[id] > 0 {
			work[id] /= p
		} else {
			work[id] *= p
		}
	}
}

func (s *Sampler) sortedOrder(prob []float64) []int {
	if cap(s.order) < len(prob) {
		s.order = make([]int, len(prob))
	}
	order := s.order[:len(prob)]
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		if c := cmp.Compare(prob[b], prob[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	return order
}

// argmax returns the index of the maximum value, the lowest one on ties.
// It panics on an empty slice.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

func argmax64(x []float64) int {
	bestI := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[bestI] {
			bestI = i
		}
	}
	return bestI
}

// Argmax is the greedy choice over logits.
func Argmax(logits []float32) int { return argmax(logits) }
