package inference

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StopReason is the terminal state of a generation.
type StopReason uint8

const (
	StopNone StopReason = iota
	StopEOS
	StopMaxLength
	StopCancelled
	// StopContextFull reports that the KV cache had no room for another
	// position.
	StopContextFull
)

func (r StopReason) String() string {
	switch r {
	case StopNone:
		return "none"
	case StopEOS:
		return "eos"
	case StopMaxLength:
		return "max_length"
	case StopCancelled:
		return "cancelled"
	case StopContextFull:
		return "context_full"
	default:
		return fmt.Sprintf("stop(%d)", uint8(r))
	}
}

// Phase is the session state machine position.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhasePrefilling
	PhaseDecoding
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePrefilling:
		return "prefilling"
	case PhaseDecoding:
		return "decoding"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", uint8(p))
	}
}

// Sink receives each generated token with the text it adds. Returning false
// stops generation after this token.
//
// Text that ends inside a multi-byte rune is held back until the rune
// completes. If generation stops first, the remaining bytes arrive in one
// last call with id FlushToken, whose return value is ignored. The
// concatenated texts always equal Result.Text.
type Sink func(id int, text string) bool

// FlushToken is the id of the final Sink call that carries held-back text.
const FlushToken = -1

type Stats struct {
	PromptTokens    int
	ReusedTokens    int
	TokensGenerated int
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
	Duration        time.Duration
	TPS             float64
}

type Result struct {
	// Text is the generated text only; the prompt is not echoed.
	Text   string
	Tokens []int
	Stop   StopReason
	Stats  Stats
}

// Runner is one sequence of forward steps over a private KV cache.
// *model.State implements it.
type Runner interface {
	Prefill(ctx context.Context, tokens []int) ([]float32, error)
	Decode(tok int) ([]float32, error)
	Pos() int
	Capacity() int
	Truncate(n int)
	Reset()
}

// RunnerFactory builds a fresh Runner for a new session.
type RunnerFactory func() (Runner, error)

var (
	// ErrEmptyPrompt is returned when a prompt encodes to no tokens and
	// there is no BOS to start from.
	ErrEmptyPrompt = errors.New("inference: prompt encodes to no tokens")
	ErrClosed      = errors.New("inference: engine closed")
)
