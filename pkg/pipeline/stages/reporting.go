package stages

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/foundry-data/foundry/pkg/blob"
	"github.com/foundry-data/foundry/pkg/catalog"
	"github.com/foundry-data/foundry/pkg/pipeline"
)

// Reporting renders the human-readable run summary: a per-chunk score CSV, a
// violations CSV and a one-page PDF digest in the report bucket.
type Reporting struct{}

func (*Reporting) Name() string            { return pipeline.StageReporting }
func (*Reporting) TerminalOnFailure() bool { return true }

func (s *Reporting) Run(ctx context.Context, bb *pipeline.Blackboard) *pipeline.StageResult {
	var artifacts []pipeline.ArtifactSpec

	scoresCSV, err := renderScoresCSV(bb)
	if err != nil {
		return failed(fmt.Errorf("render scores report: %w", err), nil)
	}
	key := versionPrefix(bb) + "/report.csv"
	put, err := bb.Blob.Put(ctx, blob.BucketReport, key, bytes.NewReader(scoresCSV), "text/csv")
	if err != nil {
		return failed(fmt.Errorf("store scores report: %w", err), nil)
	}
	artifacts = append(artifacts, pipeline.ArtifactSpec{
		Type:        catalog.ArtifactCSV,
		Name:        "report.csv",
		DisplayName: "Chunk score report",
		BlobBucket:  blob.BucketReport,
		BlobKey:     key,
		SizeBytes:   put.SizeBytes,
	})

	if bb.Policy != nil && len(bb.Policy.Violations) > 0 {
		vioCSV, err := renderViolationsCSV(bb)
		if err != nil {
			return failed(fmt.Errorf("render violations report: %w", err), nil)
		}
		vkey := versionPrefix(bb) + "/violations.csv"
		vput, err := bb.Blob.Put(ctx, blob.BucketReport, vkey, bytes.NewReader(vioCSV), "text/csv")
		if err != nil {
			return failed(fmt.Errorf("store violations report: %w", err), nil)
		}
		artifacts = append(artifacts, pipeline.ArtifactSpec{
			Type:        catalog.ArtifactCSV,
			Name:        "violations.csv",
			DisplayName: "Quality violations",
			BlobBucket:  blob.BucketReport,
			BlobKey:     vkey,
			SizeBytes:   vput.SizeBytes,
		})
	}

	pdf := renderSummaryPDF(bb)
	pkey := versionPrefix(bb) + "/report.pdf"
	pput, err := bb.Blob.Put(ctx, blob.BucketReport, pkey, bytes.NewReader(pdf), "application/pdf")
	if err != nil {
		return failed(fmt.Errorf("store pdf report: %w", err), nil)
	}
	artifacts = append(artifacts, pipeline.ArtifactSpec{
		Type:        catalog.ArtifactPDF,
		Name:        "report.pdf",
		DisplayName: "Run report",
		BlobBucket:  blob.BucketReport,
		BlobKey:     pkey,
		SizeBytes:   pput.SizeBytes,
	})

	return succeeded(map[string]float64{
		"artifacts_total": float64(len(artifacts)),
	}, artifacts...)
}

// renderSummaryPDF writes a minimal single-page PDF 1.4 digest by hand: one
// catalog/pages/page/content/font object chain and an xref table. Enough for
// any conforming viewer; no library needed for flat Helvetica text.
func renderSummaryPDF(bb *pipeline.Blackboard) []byte {
	lines := []string{
		"Data Product Run Report",
		"",
		"Product:  " + bb.ProductID,
		"Version:  " + strconv.Itoa(bb.Version),
		"Run:      " + bb.RunID,
		"Chunks:   " + strconv.Itoa(len(bb.Chunks)),
		"Embedded: " + strconv.Itoa(bb.Embedded),
	}
	if bb.Fingerprint != nil {
		lines = append(lines, "AI trust score: "+formatRatio(bb.Fingerprint.AITrustScore))
	}
	if bb.Policy != nil {
		lines = append(lines,
			"Policy verdict: "+string(bb.Policy.Verdict),
			"Violations:     "+strconv.Itoa(len(bb.Policy.Violations)))
	}

	var content bytes.Buffer
	content.WriteString("BT\n/F1 12 Tf\n14 TL\n72 756 Td\n")
	for _, ln := range lines {
		fmt.Fprintf(&content, "(%s) Tj\nT*\n", escapePDFText(ln))
	}
	content.WriteString("ET\n")

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	var offsets []int
	writeObj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	writeObj("<< /Type /Catalog /Pages 2 0 R >>")
	writeObj("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	writeObj("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] " +
		"/Resources << /Font << /F1 5 0 R >> >> /Contents 4 0 R >>")
	writeObj(fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()))
	writeObj("<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>")

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(offsets)+1, xref)
	return buf.Bytes()
}

// escapePDFText escapes the delimiters of a PDF literal string.
func escapePDFText(s string) string {
	return strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`).Replace(s)
}

func renderScoresCSV(bb *pipeline.Blackboard) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{
		"chunk_id", "completeness", "accuracy", "quality", "timeliness", "metadata", "token_count",
	}); err != nil {
		return nil, err
	}
	for _, sc := range bb.Scores {
		rec := []string{
			sc.ChunkID,
			formatRatio(sc.Completeness),
			formatRatio(sc.Accuracy),
			formatRatio(sc.Quality),
			formatRatio(sc.Timeliness),
			formatRatio(sc.Metadata),
			strconv.Itoa(sc.TokenCount),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func renderViolationsCSV(bb *pipeline.Blackboard) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{
		"rule_name", "rule_type", "severity", "message", "affected", "total", "rate",
	}); err != nil {
		return nil, err
	}
	for _, v := range bb.Policy.Violations {
		rec := []string{
			v.RuleName,
			string(v.RuleType),
			string(v.Severity),
			v.Message,
			strconv.Itoa(v.AffectedCount),
			strconv.Itoa(v.TotalCount),
			formatRatio(v.ViolationRate),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatRatio(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}
