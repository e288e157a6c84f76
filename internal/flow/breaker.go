package flow

import "github.com/BTreeMap/CarePipe/internal/models"

// Breaker counts consecutive AI failures for one session.
type Breaker struct {
	Count     int
	LastError string
}

// RecordFailure returns the breaker after one more failure.
func (b Breaker) RecordFailure(err error) Breaker {
	b.Count++
	if err != nil {
		b.LastError = err.Error()
	}
	return b
}

// RecordSuccess returns a cleared breaker.
func (b Breaker) RecordSuccess() Breaker {
	return Breaker{}
}

// Tripped reports whether more than threshold consecutive failures occurred.
func (b Breaker) Tripped(threshold int) bool {
	return b.Count > threshold
}

type fallbackDecision int

const (
	decisionUseAI fallbackDecision = iota
	decisionScripted
	decisionApology
)

func (d fallbackDecision) String() string {
	switch d {
	case decisionUseAI:
		return "ai"
	case decisionScripted:
		return "scripted"
	case decisionApology:
		return "apology"
	default:
		return "unknown"
	}
}

// decideFallback chooses what to show after an AI attempt. Only hybrid mode
// falls back to the scripted engine; ai mode apologises on every failure.
func decideFallback(aiErr error, b Breaker, cfg models.ChatConfig) (fallbackDecision, Breaker) {
	if aiErr == nil {
		return decisionUseAI, b.RecordSuccess()
	}
	next := b.RecordFailure(aiErr)
	if cfg.Mode == models.ChatModeHybrid && next.Tripped(cfg.FallbackThreshold) {
		return decisionScripted, next
	}
	return decisionApology, next
}
