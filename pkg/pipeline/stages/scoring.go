package stages

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/foundry-data/foundry/pkg/fingerprint"
	"github.com/foundry-data/foundry/pkg/pipeline"
)

// Scoring computes the per-chunk score vector the fingerprint stage
// aggregates. Scores are heuristic proxies, each normalized to [0,1] at the
// write boundary. Per-chunk errors are tolerated; the stage fails only when
// nothing scores.
type Scoring struct{}

func (*Scoring) Name() string            { return pipeline.StageScoring }
func (*Scoring) TerminalOnFailure() bool { return true }

func (s *Scoring) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	ingestAge := newestIngest(bb)
	metrics := map[string]float64{
		"chunks_total":  float64(len(bb.Chunks)),
		"chunk_errors":  0,
		"chunks_scored": 0,
	}

	scores := make([]fingerprint.ChunkScores, 0, len(bb.Chunks))
	for _, c := range bb.Chunks {
		if c.Text == "" || !utf8.ValidString(c.Text) {
			metrics["chunk_errors"]++
			continue
		}
		scores = append(scores, fingerprint.ChunkScores{
			ChunkID:      c.ChunkID,
			Completeness: completeness(c.Text, bb.Product.ChunkingConfig.MaxTokens, c.TokenCount),
			Accuracy:     accuracyProxy(c.Text),
			Quality:      textQuality(c.Text),
			Timeliness:   ingestAge,
			Metadata:     metadataPresence(c.Section, c.SourceFile),
			TokenCount:   c.TokenCount,
		})
	}

	metrics["chunks_scored"] = float64(len(scores))
	if len(scores) == 0 {
		return failed(errors.New("no chunks scored"), metrics)
	}

	bb.Scores = scores
	return succeeded(metrics)
}

// completeness rewards chunks that fill their token budget without being
// fragments.
func completeness(text string, maxTokens, tokens int) float64 {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	ratio := float64(tokens) / float64(maxTokens)
	if ratio > 1 {
		ratio = 1
	}
	// Fragments under ~10 tokens are penalized harder than the linear ratio.
	if tokens < 10 {
		ratio *= 0.5
	}
	return ratio
}

// accuracyProxy measures structural signals correlated with factual text:
// sentence terminators, digits and a low shout-ratio.
func accuracyProxy(text string) float64 {
	score := 0.5
	if strings.ContainsAny(text, ".!?") {
		score += 0.2
	}
	if strings.ContainsAny(text, "0123456789") {
		score += 0.1
	}
	upper, letters := 0, 0
	for _, r := range text {
		if r >= 'A' && r <= 'Z' {
			upper++
			letters++
		} else if r >= 'a' && r <= 'z' {
			letters++
		}
	}
	if letters > 0 && float64(upper)/float64(letters) < 0.3 {
		score += 0.2
	}
	return clamp01(score)
}

// textQuality penalizes very short words on average and replacement runes.
func textQuality(text string) float64 {
	if strings.ContainsRune(text, utf8.RuneError) {
		return 0.2
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return 0
	}
	total := 0
	for _, w := range words {
		total += len(w)
	}
	avg := float64(total) / float64(len(words))
	// Average word length 4-8 reads as prose.
	switch {
	case avg >= 4 && avg <= 8:
		return 1
	case avg >= 3 && avg <= 10:
		return 0.7
	default:
		return 0.4
	}
}

// newestIngest maps the age of the freshest file onto [0,1]: same-day 1.0,
// decaying to 0 at one year.
func newestIngest(bb *pipeline.Blackboard) float64 {
	var newest time.Time
	for _, f := range bb.Files {
		if f.IngestedAt.After(newest) {
			newest = f.IngestedAt
		}
	}
	if newest.IsZero() {
		return 0
	}
	days := time.Since(newest).Hours() / 24
	return clamp01(1 - days/365)
}

func metadataPresence(section, sourceFile string) float64 {
	score := 0.0
	if section != "" {
		score += 0.5
	}
	if sourceFile != "" {
		score += 0.5
	}
	return score
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
