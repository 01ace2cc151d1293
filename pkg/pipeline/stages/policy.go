package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/pipeline"
	"github.com/foundry-data/foundry/pkg/quality"
)

// Policy evaluates the product's effective quality rule set. The verdict is a
// business outcome recorded in metrics; the stage fails only when a violated
// ERROR rule is configured with fail_run.
type Policy struct{}

func (*Policy) Name() string            { return pipeline.StagePolicy }
func (*Policy) TerminalOnFailure() bool { return true }

func (s *Policy) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	rs, err := bb.Catalog.GetEffectiveRuleSet(ctx, bb.ProductID)
	if err != nil {
		return failed(fmt.Errorf("load rule set: %w", err), nil)
	}

	result := quality.Evaluate(rs, quality.Input{
		RunID:  bb.RunID,
		Now:    time.Now().UTC(),
		Chunks: chunkInfos(bb),
		Files:  fileInfos(bb),
	})
	bb.Policy = result

	violations := make([]*quality.Violation, len(result.Violations))
	for i := range result.Violations {
		violations[i] = &result.Violations[i]
	}
	if err := bb.Catalog.InsertViolations(ctx, violations); err != nil {
		return failed(fmt.Errorf("persist violations: %w", err), nil)
	}

	report := map[string]any{
		"run_id":           bb.RunID,
		"product_id":       bb.ProductID,
		"version":          bb.Version,
		"rule_set_version": rs.Version,
		"verdict":          result.Verdict,
		"violations":       result.Violations,
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return failed(fmt.Errorf("marshal policy report: %w", err), nil)
	}
	key := versionPrefix(bb) + "/policy.json"
	put, err := bb.Blob.Put(ctx, blob.BucketReport, key, bytes.NewReader(data), "application/json")
	if err != nil {
		return failed(fmt.Errorf("store policy report: %w", err), nil)
	}

	metrics := map[string]float64{
		"violations_total": float64(len(result.Violations)),
		"rules_evaluated":  float64(len(rs.Rules)),
		"verdict_passed":   boolMetric(result.Verdict == quality.VerdictPassed),
		"verdict_warnings": boolMetric(result.Verdict == quality.VerdictWarnings),
		"verdict_failed":   boolMetric(result.Verdict == quality.VerdictFailed),
	}
	artifact := pipeline.ArtifactSpec{
		Type:        catalog.ArtifactJSON,
		Name:        "policy.json",
		DisplayName: "Policy verdict",
		BlobBucket:  blob.BucketReport,
		BlobKey:     key,
		SizeBytes:   put.SizeBytes,
	}

	if result.FatalRule != "" {
		res := failed(fmt.Errorf("rule %s violated with fail_run", result.FatalRule), metrics)
		res.Artifacts = []pipeline.ArtifactSpec{artifact}
		return res
	}
	return succeeded(metrics, artifact)
}

func boolMetric(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
