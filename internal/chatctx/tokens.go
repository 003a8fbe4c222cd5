package chatctx

import (
	"math"

	"github.com/ThatCatDev/tanrenai/pocket/internal/engine"
)

const (
	defaultCharsPerToken = 3.5
	calibrationSample    = "The quick brown fox jumps over the lazy dog. " +
		"Pack my box with five dozen liquor jugs. " +
		"How vexingly quick daft zebras jump! " +
		"The five boxing wizards jump quickly. " +
		"Sphinx of black quartz, judge my vow. " +
		"Two driven jocks help fax my big quiz."
	roleOverheadTokens = 4 // role marker and separators
)

// TokenEstimator estimates token counts from a chars-per-token ratio. It
// starts from a conservative default and can be calibrated against the
// loaded model's tokenizer.
type TokenEstimator struct {
	charsPerToken float64
	calibrated    bool
}

// NewTokenEstimator returns an estimator with the default ratio.
func NewTokenEstimator() *TokenEstimator {
	return &TokenEstimator{charsPerToken: defaultCharsPerToken}
}

// Calibrate tokenizes a fixed sample and derives the ratio from it. On
// error the current ratio is kept.
func (e *TokenEstimator) Calibrate(tokenize func(string) (int, error)) error {
	n, err := tokenize(calibrationSample)
	if err != nil {
		return err
	}
	if n > 0 {
		e.charsPerToken = float64(len(calibrationSample)) / float64(n)
		e.calibrated = true
	}
	return nil
}

// Calibrated reports whether Calibrate succeeded at least once.
func (e *TokenEstimator) Calibrated() bool {
	return e.calibrated
}

// Estimate returns the estimated token count of text.
func (e *TokenEstimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / e.charsPerToken))
}

// EstimateMessages sums the estimate of every message plus its role overhead.
func (e *TokenEstimator) EstimateMessages(msgs []engine.Message) int {
	total := 0
	for _, m := range msgs {
		total += roleOverheadTokens + e.Estimate(m.Content)
	}
	return total
}
