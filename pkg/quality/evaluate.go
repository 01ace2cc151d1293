package quality

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/uuid"
)

// ChunkInfo is the per-chunk view the evaluator consumes.
type ChunkInfo struct {
	ChunkID    string
	SourceFile string
	Section    string
	Text       string
	Fields     map[string]any
}

// FileInfo is the per-raw-file view the evaluator consumes.
type FileInfo struct {
	Filename   string
	SizeBytes  int64
	IngestedAt time.Time
	ChunkCount int
}

// Input bundles everything a rule evaluation can observe.
type Input struct {
	RunID  string
	Now    time.Time
	Chunks []ChunkInfo
	Files  []FileInfo
}

// Result is the outcome of evaluating a rule set.
type Result struct {
	Verdict    Verdict
	Violations []Violation
	// FatalRule names the first ERROR rule with fail_run=true that was
	// violated, empty otherwise. The orchestrator fails the run on it.
	FatalRule string
}

// celEnv is shared by all condition compilations; `chunk` is the only binding.
var celEnv = func() *cel.Env {
	env, err := cel.NewEnv(cel.Variable("chunk", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		panic(fmt.Sprintf("quality: cel env: %v", err))
	}
	return env
}()

func compileCondition(expr string) (cel.Program, error) {
	ast, iss := celEnv.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("condition must evaluate to bool, got %s", ast.OutputType())
	}
	return celEnv.Program(ast)
}

// Evaluate runs every enabled rule against the input. Per-chunk evaluation
// errors count the chunk as unaffected; rule evaluation never aborts the set.
func Evaluate(rs *RuleSet, in Input) *Result {
	res := &Result{Verdict: VerdictPassed}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	for i := range rs.Rules {
		rule := &rs.Rules[i]
		if !rule.Enabled {
			continue
		}
		v := evaluateRule(rule, in, now)
		if v == nil {
			continue
		}
		v.ID = uuid.NewString()
		v.RunID = in.RunID
		v.CreatedAt = now
		res.Violations = append(res.Violations, *v)

		switch rule.Severity {
		case SeverityError:
			res.Verdict = VerdictFailed
			if rule.FailRun && res.FatalRule == "" {
				res.FatalRule = rule.Name
			}
		case SeverityWarning:
			if res.Verdict == VerdictPassed {
				res.Verdict = VerdictWarnings
			}
		}
	}
	return res
}

func evaluateRule(rule *Rule, in Input, now time.Time) *Violation {
	chunks := filterChunks(rule, in.Chunks)

	switch rule.Type {
	case RuleRequiredFields:
		return checkRequiredFields(rule, chunks)
	case RuleDuplicateRate:
		return checkDuplicateRate(rule, chunks)
	case RuleChunkCoverage:
		return checkChunkCoverage(rule, in.Files)
	case RuleBadExtensions:
		return checkBadExtensions(rule, in.Files)
	case RuleFreshness:
		return checkFreshness(rule, in.Files, now)
	case RuleFileSize:
		return checkFileSize(rule, in.Files)
	case RuleContentLength:
		return checkContentLength(rule, chunks)
	}
	return nil
}

// filterChunks applies the rule's optional CEL condition. Chunks for which the
// condition errors are excluded rather than failing the rule.
func filterChunks(rule *Rule, chunks []ChunkInfo) []ChunkInfo {
	if rule.Condition == "" {
		return chunks
	}
	prog, err := compileCondition(rule.Condition)
	if err != nil {
		return chunks
	}
	out := make([]ChunkInfo, 0, len(chunks))
	for _, c := range chunks {
		doc := map[string]any{
			"chunk_id":    c.ChunkID,
			"source_file": c.SourceFile,
			"section":     c.Section,
			"text":        c.Text,
		}
		for k, v := range c.Fields {
			doc[k] = v
		}
		val, _, err := prog.Eval(map[string]any{"chunk": doc})
		if err != nil {
			continue
		}
		if b, ok := val.Value().(bool); ok && b {
			out = append(out, c)
		}
	}
	return out
}

func violation(rule *Rule, affected, total int, msg, details string) *Violation {
	rate := 0.0
	if total > 0 {
		rate = float64(affected) / float64(total)
	}
	return &Violation{
		RuleName:      rule.Name,
		RuleType:      rule.Type,
		Severity:      rule.Severity,
		Message:       msg,
		Details:       details,
		AffectedCount: affected,
		TotalCount:    total,
		ViolationRate: rate,
	}
}

func checkRequiredFields(rule *Rule, chunks []ChunkInfo) *Violation {
	if len(chunks) == 0 {
		return nil
	}
	missing := 0
	var sample []string
	for _, c := range chunks {
		for _, f := range rule.RequiredFields {
			v, ok := c.Fields[f]
			if !ok || v == nil || v == "" {
				missing++
				if len(sample) < 5 {
					sample = append(sample, fmt.Sprintf("%s missing %s", c.ChunkID, f))
				}
				break
			}
		}
	}
	if missing == 0 {
		return nil
	}
	return violation(rule, missing, len(chunks),
		fmt.Sprintf("%d of %d chunks missing required fields", missing, len(chunks)),
		strings.Join(sample, "; "))
}

func checkDuplicateRate(rule *Rule, chunks []ChunkInfo) *Violation {
	if len(chunks) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(chunks))
	dups := 0
	for _, c := range chunks {
		h := sha256.Sum256([]byte(normalizeForDedup(c.Text)))
		key := hex.EncodeToString(h[:16])
		if _, ok := seen[key]; ok {
			dups++
			continue
		}
		seen[key] = struct{}{}
	}
	rate := float64(dups) / float64(len(chunks))
	if rate <= rule.MaxRatio {
		return nil
	}
	return violation(rule, dups, len(chunks),
		fmt.Sprintf("duplicate chunk rate %.2f exceeds %.2f", rate, rule.MaxRatio), "")
}

func normalizeForDedup(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func checkChunkCoverage(rule *Rule, files []FileInfo) *Violation {
	if len(files) == 0 {
		return nil
	}
	covered := 0
	var empty []string
	for _, f := range files {
		if f.ChunkCount > 0 {
			covered++
		} else if len(empty) < 5 {
			empty = append(empty, f.Filename)
		}
	}
	rate := float64(covered) / float64(len(files))
	if rate >= rule.MinRatio {
		return nil
	}
	return violation(rule, len(files)-covered, len(files),
		fmt.Sprintf("chunk coverage %.2f below %.2f", rate, rule.MinRatio),
		strings.Join(empty, "; "))
}

func checkBadExtensions(rule *Rule, files []FileInfo) *Violation {
	if len(files) == 0 {
		return nil
	}
	bad := 0
	var sample []string
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Filename))
		for _, e := range rule.Extensions {
			if ext == strings.ToLower(e) {
				bad++
				if len(sample) < 5 {
					sample = append(sample, f.Filename)
				}
				break
			}
		}
	}
	if bad == 0 {
		return nil
	}
	return violation(rule, bad, len(files),
		fmt.Sprintf("%d of %d files carry rejected extensions", bad, len(files)),
		strings.Join(sample, "; "))
}

func checkFreshness(rule *Rule, files []FileInfo, now time.Time) *Violation {
	if len(files) == 0 {
		return nil
	}
	cutoff := now.AddDate(0, 0, -rule.MaxAgeDays)
	stale := 0
	for _, f := range files {
		if f.IngestedAt.Before(cutoff) {
			stale++
		}
	}
	if stale == 0 {
		return nil
	}
	return violation(rule, stale, len(files),
		fmt.Sprintf("%d of %d files older than %d days", stale, len(files), rule.MaxAgeDays), "")
}

func checkFileSize(rule *Rule, files []FileInfo) *Violation {
	if len(files) == 0 {
		return nil
	}
	over := 0
	var sample []string
	for _, f := range files {
		if f.SizeBytes > rule.MaxSizeBytes {
			over++
			if len(sample) < 5 {
				sample = append(sample, fmt.Sprintf("%s (%d bytes)", f.Filename, f.SizeBytes))
			}
		}
	}
	if over == 0 {
		return nil
	}
	return violation(rule, over, len(files),
		fmt.Sprintf("%d of %d files exceed %d bytes", over, len(files), rule.MaxSizeBytes),
		strings.Join(sample, "; "))
}

func checkContentLength(rule *Rule, chunks []ChunkInfo) *Violation {
	if len(chunks) == 0 {
		return nil
	}
	out := 0
	for _, c := range chunks {
		n := len(c.Text)
		if n < rule.MinChars || (rule.MaxChars > 0 && n > rule.MaxChars) {
			out++
		}
	}
	if out == 0 {
		return nil
	}
	return violation(rule, out, len(chunks),
		fmt.Sprintf("%d of %d chunks outside length bounds", out, len(chunks)), "")
}
