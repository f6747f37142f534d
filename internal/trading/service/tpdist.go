package service

import (
	"math"
	"strings"

	"tradepilot/internal/ledger"
)

const (
	defaultDecay = 0.66
	minDecay     = 0.3
	maxDecay     = 0.95
)

// Distribution доли исходного объёма (в процентах) для n целей.
// EQUAL делит поровну. Список якорей используется как префикс и продолжается
// геометрически с коэффициентом anchors[-1]/anchors[-2]. Сумма всегда 100.
func Distribution(strategy string, n int) []float64 {
	if n <= 0 {
		return nil
	}
	strategy = strings.TrimSpace(strategy)
	if strategy == "" || strings.EqualFold(strategy, ledger.TPDistributionEqual) {
		return equalShares(n)
	}
	anchors, err := ledger.ParseAnchors(strategy)
	if err != nil {
		return equalShares(n)
	}

	decay := defaultDecay
	if len(anchors) >= 2 {
		decay = anchors[len(anchors)-1] / anchors[len(anchors)-2]
		decay = min(max(decay, minDecay), maxDecay)
	}

	raw := make([]float64, n)
	for i := range raw {
		if i < len(anchors) {
			raw[i] = anchors[i]
			continue
		}
		raw[i] = raw[i-1] * decay
	}
	return normalize(raw)
}

func equalShares(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 100 / float64(n)
	}
	return out
}

func normalize(raw []float64) []float64 {
	var sum float64
	for _, v := range raw {
		sum += v
	}
	// переполнение на огромных якорях
	if sum <= 0 || math.IsInf(sum, 0) || math.IsNaN(sum) {
		return equalShares(len(raw))
	}
	out := make([]float64, len(raw))
	for i, v := range raw {
		out[i] = v / sum * 100
	}
	return out
}
