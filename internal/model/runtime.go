package model

import (
	"github.com/embee-go/embee/internal/kvcache"
)

// State is the mutable per-session side of a model: the KV cache and the
// scratch buffers of one forward step. It must not be used by more than
// one goroutine at a time.
type State struct {
	m     *Model
	cache *kvcache.Cache

	x, xb, xb2 []float32
	q, k, v    []float32
	att        []float32
	hb, hb2    []float32
	logits     []float32
	scores     []float32 // NumHeads × MaxSeqLen
}

// NewState allocates a fresh session state with an empty cache.
func (m *Model) NewState() (*State, error) {
	cache, err := kvcache.New(m.Config.CacheConfig())
	if err != nil {
		return nil, err
	}
	return m.newStateWithCache(cache), nil
}

// NewStateWithCache adopts an existing cache. A cache built for a different
// geometry is discarded and replaced; a compatible one is reset.
func (m *Model) NewStateWithCache(cache *kvcache.Cache) (*State, error) {
	if cache == nil || !cache.Compatible(m.Config.CacheConfig()) {
		return m.NewState()
	}
	cache.Reset()
	return m.newStateWithCache(cache), nil
}

func (m *Model) newStateWithCache(cache *kvcache.Cache) *State {
	c := m.Config
	qDim := c.NumHeads * c.HeadDim
	return &State{
		m:      m,
		cache:  cache,
		x:      make([]float32, c.EmbeddingDim),
		xb:     make([]float32, c.EmbeddingDim),
		xb2:    make([]float32, c.EmbeddingDim),
		q:      make([]float32, qDim),
		k:      make([]float32, c.KVDim()),
		v:      make([]float32, c.KVDim()),
		att:    make([]float32, qDim),
		hb:     make([]float32, c.FFNDim),
		hb2:    make([]float32, c.FFNDim),
		logits: make([]float32, c.VocabSize),
		scores: make([]float32, c.NumHeads*c.MaxSeqLen),
	}
}

// Model returns the model this state runs.
func (s *State) Model() *Model { return s.m }

// Cache exposes the session cache.
func (s *State) Cache() *kvcache.Cache { return s.cache }

// Pos returns the number of positions already held in the cache.
func (s *State) Pos() int { return s.cache.Len() }

// Capacity returns the maximum sequence length.
func (s *State) Capacity() int { return s.cache.Capacity() }

// Truncate forgets cached positions at or after n.
func (s *State) Truncate(n int) { s.cache.Truncate(n) }

// Reset starts a new independent sequence.
func (s *State) Reset() { s.cache.Reset() }

// CacheBytes reports the memory held by the session cache.
func (s *State) CacheBytes() int64 { return s.cache.Bytes() }
