// Package quality grades responses with cheap lexical heuristics and keeps
// a short per-model score history. The verdicts are advisory: a model with
// a sagging rolling average gets deprioritized, never hard-failed.
package quality

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/pulseroute/pulseroute"
	"github.com/pulseroute/pulseroute/config"
)

// Substrings that suggest the model declined or failed rather than
// answered.
var errorIndicators = []string{
	"i cannot", "i can't", "unable to", "error",
	"sorry", "apologize", "don't have access",
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"as": true, "is": true, "was": true, "are": true, "were": true,
	"be": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "do": true, "does": true, "did": true, "will": true,
	"would": true, "should": true, "could": true, "may": true,
	"might": true, "must": true, "can": true, "this": true,
	"that": true, "these": true, "those": true, "i": true, "you": true,
	"he": true, "she": true, "it": true, "we": true, "they": true,
}

// Evaluator scores responses and tracks a bounded recent-score window per
// model.
type Evaluator struct {
	threshold  float64
	windowSize int

	mu      sync.Mutex
	history map[string][]float64

	logger *zap.SugaredLogger
}

func NewEvaluator(cfg config.QualityConfig, logger *zap.SugaredLogger) *Evaluator {
	return &Evaluator{
		threshold:  cfg.Threshold,
		windowSize: cfg.EvaluationWindow,
		history:    make(map[string][]float64),
		logger:     logger,
	}
}

// Evaluate grades a response against its request and appends the overall
// score to the model's history. Components weigh in at 40% completeness,
// 35% relevance, 25% coherence.
func (e *Evaluator) Evaluate(response *pulseroute.ModelResponse, request *pulseroute.ModelRequest) pulseroute.QualityScore {
	completeness := completeness(response.Content)
	relevance := relevance(response.Content, request.Prompt)
	coherence := coherence(response.Content)

	score := pulseroute.QualityScore{
		Completeness: completeness,
		Relevance:    relevance,
		Coherence:    coherence,
		Overall:      completeness*0.40 + relevance*0.35 + coherence*0.25,
	}

	e.Record(response.ModelID, score.Overall)

	if score.Overall < e.threshold {
		e.logger.Warnw("Low quality response",
			"model", response.ModelID,
			"overall", score.Overall,
			"completeness", completeness,
			"relevance", relevance,
			"coherence", coherence)
	}
	return score
}

// Record appends an overall score to the model's bounded history window.
func (e *Evaluator) Record(modelID string, overall float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	scores := append(e.history[modelID], overall)
	if len(scores) > e.windowSize {
		scores = scores[len(scores)-e.windowSize:]
	}
	e.history[modelID] = scores
}

// ShouldSwitchModel reports whether the model's rolling average over its
// recent window has fallen under the threshold. With no recorded history
// there is nothing to judge and the answer is no.
func (e *Evaluator) ShouldSwitchModel(modelID string) bool {
	e.mu.Lock()
	scores := e.history[modelID]
	average := mean(scores)
	e.mu.Unlock()

	if len(scores) == 0 {
		return false
	}

	if average < e.threshold {
		e.logger.Warnw("Model switch recommended",
			"model", modelID,
			"rollingAverage", average,
			"threshold", e.threshold,
			"window", len(scores))
		return true
	}
	return false
}

// QualityHistory returns the model's recorded scores, oldest first.
func (e *Evaluator) QualityHistory(modelID string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	scores := e.history[modelID]
	out := make([]float64, len(scores))
	copy(out, scores)
	return out
}

// RollingAverage returns the mean of the model's recent window, or zero
// with ok=false when nothing is recorded.
func (e *Evaluator) RollingAverage(modelID string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	scores := e.history[modelID]
	if len(scores) == 0 {
		return 0, false
	}
	return mean(scores), true
}

// ClearHistory drops recorded scores for one model, or for every model
// when modelID is empty.
func (e *Evaluator) ClearHistory(modelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if modelID == "" {
		e.history = make(map[string][]float64)
		return
	}
	delete(e.history, modelID)
}

// completeness checks whether the response plausibly answered at all:
// non-empty, not suspiciously short, no refusal phrasing, not truncated.
func completeness(content string) float64 {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}

	score := 1.0
	if len(content) < 50 {
		score *= 0.5
	}

	lower := strings.ToLower(content)
	for _, indicator := range errorIndicators {
		if strings.Contains(lower, indicator) {
			score *= 0.6
			break
		}
	}

	if strings.HasSuffix(content, "...") || strings.HasSuffix(content, "…") {
		score *= 0.8
	}
	return clamp01(score)
}

// relevance measures how many substantial prompt terms reappear in the
// response.
func relevance(content string, prompt string) float64 {
	content = strings.ToLower(strings.TrimSpace(content))
	prompt = strings.ToLower(strings.TrimSpace(prompt))
	if content == "" || prompt == "" {
		return 0
	}

	var keyTerms []string
	for _, word := range strings.Fields(prompt) {
		if len(word) > 3 && !stopWords[word] {
			keyTerms = append(keyTerms, word)
		}
	}
	if len(keyTerms) == 0 {
		return 1
	}

	matches := 0
	for _, term := range keyTerms {
		if strings.Contains(content, term) {
			matches++
		}
	}
	score := float64(matches) / float64(len(keyTerms))

	// A substantial response earns the benefit of the doubt.
	if len(content) > 200 {
		score *= 1.1
	}
	return clamp01(score)
}

// coherence checks structural well-formedness: punctuation present, no
// word dominating the text, sentence lengths in a sane band.
func coherence(content string) float64 {
	content = strings.TrimSpace(content)
	if content == "" {
		return 0
	}

	score := 1.0
	if !strings.ContainsAny(content, ".!?") {
		score *= 0.7
	}

	words := strings.Fields(strings.ToLower(content))
	if len(words) > 0 {
		counts := make(map[string]int)
		maxCount := 0
		for _, word := range words {
			if len(word) > 3 {
				counts[word]++
				if counts[word] > maxCount {
					maxCount = counts[word]
				}
			}
		}
		if float64(maxCount) > float64(len(words))*0.2 {
			score *= 0.6
		}
	}

	var sentences []string
	for _, sentence := range strings.Split(content, ".") {
		if s := strings.TrimSpace(sentence); s != "" {
			sentences = append(sentences, s)
		}
	}
	if len(sentences) > 0 {
		totalWords := 0
		for _, sentence := range sentences {
			totalWords += len(strings.Fields(sentence))
		}
		average := float64(totalWords) / float64(len(sentences))
		if average < 3 {
			score *= 0.7
		} else if average > 50 {
			score *= 0.8
		}
	}

	if strings.Contains(content, "```") || strings.Contains(content, "\n\n") {
		score *= 1.1
	}
	return clamp01(score)
}

func mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sum := 0.0
	for _, score := range scores {
		sum += score
	}
	return sum / float64(len(scores))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
