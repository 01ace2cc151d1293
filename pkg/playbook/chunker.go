package playbook

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Chunk is one unit of prepared text. ChunkID is stable: re-chunking the same
// input under the same config yields identical IDs.
type Chunk struct {
	ChunkID    string `json:"chunk_id"`
	SourceFile string `json:"source_file"`
	Section    string `json:"section,omitempty"`
	Index      int    `json:"index"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count"`
}

// ChunkerConfig mirrors the product's chunking configuration.
type ChunkerConfig struct {
	MaxTokens int
	Overlap   int
	// SplitOn is "sentence", "paragraph" or "page".
	SplitOn string
}

// Chunker applies a playbook and a chunking config to documents.
type Chunker struct {
	pb  *Playbook
	cfg ChunkerConfig
}

// NewChunker validates the config against the playbook.
func NewChunker(pb *Playbook, cfg ChunkerConfig) (*Chunker, error) {
	if pb == nil {
		pb = Default()
	}
	if cfg.MaxTokens <= 0 {
		return nil, fmt.Errorf("playbook: max_tokens must be positive, got %d", cfg.MaxTokens)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.MaxTokens {
		return nil, fmt.Errorf("playbook: overlap %d must be within [0, max_tokens)", cfg.Overlap)
	}
	switch cfg.SplitOn {
	case "", "sentence", "paragraph", "page":
	default:
		return nil, fmt.Errorf("playbook: unknown split_on %q", cfg.SplitOn)
	}
	return &Chunker{pb: pb, cfg: cfg}, nil
}

// Chunk splits one document. sourceFile keys chunk IDs, so the same content
// under a different filename produces different IDs.
func (c *Chunker) Chunk(sourceFile, text string) []Chunk {
	text = c.normalize(text)
	sections := c.fence(text)

	var out []Chunk
	for _, sec := range sections {
		if c.excluded(sec.name) {
			continue
		}
		body := c.dropMarkedLines(sec.body)
		units := c.split(body)
		for _, windowText := range c.window(units) {
			idx := len(out)
			out = append(out, Chunk{
				ChunkID:    chunkID(sourceFile, sec.name, idx, windowText),
				SourceFile: sourceFile,
				Section:    sec.name,
				Index:      idx,
				Text:       windowText,
				TokenCount: tokenCount(windowText),
			})
		}
	}
	return out
}

func (c *Chunker) normalize(s string) string {
	if c.pb.Normalize.NFC() {
		s = norm.NFC.String(s)
	}
	if c.pb.Normalize.StripControlChars {
		s = strings.Map(func(r rune) rune {
			if r == '\n' || r == '\t' {
				return r
			}
			if unicode.IsControl(r) {
				return -1
			}
			return r
		}, s)
	}
	if c.pb.Normalize.Lowercase {
		s = strings.ToLower(s)
	}
	return s
}

type section struct {
	name string
	body string
}

// fence splits the document on heading prefixes; the heading line itself
// names the section and is excluded from the body.
func (c *Chunker) fence(text string) []section {
	prefixes := c.pb.Sections.HeadingPrefixes
	def := c.pb.Sections.DefaultSection
	if def == "" {
		def = "body"
	}
	if len(prefixes) == 0 {
		return []section{{name: def, body: text}}
	}

	var out []section
	cur := section{name: def}
	var buf strings.Builder
	flush := func() {
		cur.body = buf.String()
		if strings.TrimSpace(cur.body) != "" {
			out = append(out, cur)
		}
		buf.Reset()
	}
	for _, line := range strings.Split(text, "\n") {
		heading := ""
		for _, p := range prefixes {
			if strings.HasPrefix(line, p) {
				heading = strings.TrimSpace(strings.TrimPrefix(line, p))
				break
			}
		}
		if heading != "" {
			flush()
			cur = section{name: heading}
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()
	return out
}

func (c *Chunker) excluded(name string) bool {
	for _, ex := range c.pb.Audience.ExcludeSections {
		if strings.EqualFold(ex, name) {
			return true
		}
	}
	return false
}

func (c *Chunker) dropMarkedLines(body string) string {
	if len(c.pb.Audience.ExcludeMarkers) == 0 {
		return body
	}
	lines := strings.Split(body, "\n")
	kept := lines[:0]
	for _, line := range lines {
		drop := false
		for _, m := range c.pb.Audience.ExcludeMarkers {
			if strings.Contains(line, m) {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// split breaks a section body into atomic units per the configured strategy.
func (c *Chunker) split(body string) []string {
	var raw []string
	switch c.cfg.SplitOn {
	case "paragraph":
		raw = strings.Split(body, "\n\n")
	case "page":
		raw = strings.Split(body, "\f")
	default: // sentence
		raw = splitSentences(body)
	}
	out := raw[:0]
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			if c.pb.Normalize.CollapseWhitespace {
				u = strings.Join(strings.Fields(u), " ")
			}
			out = append(out, u)
		}
	}
	return out
}

// splitSentences is deliberately simple: terminator followed by whitespace.
// Abbreviation handling is the playbook author's problem via paragraph mode.
func splitSentences(body string) []string {
	var out []string
	var buf strings.Builder
	runes := []rune(body)
	for i, r := range runes {
		buf.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') &&
			(i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			out = append(out, buf.String())
			buf.Reset()
		}
	}
	if buf.Len() > 0 {
		out = append(out, buf.String())
	}
	return out
}

// window packs units into chunks of at most MaxTokens, carrying Overlap tokens
// of trailing context into the next chunk.
func (c *Chunker) window(units []string) []string {
	var out []string
	var cur []string
	curTokens := 0
	fresh := 0 // units added since the last flush; overlap-only chunks are not emitted

	flush := func() {
		if len(cur) == 0 {
			return
		}
		out = append(out, strings.Join(cur, " "))
		if c.cfg.Overlap > 0 {
			// Keep trailing units up to the overlap budget.
			kept := make([]string, 0, len(cur))
			tokens := 0
			for i := len(cur) - 1; i >= 0; i-- {
				t := tokenCount(cur[i])
				if tokens+t > c.cfg.Overlap {
					break
				}
				kept = append([]string{cur[i]}, kept...)
				tokens += t
			}
			cur = kept
			curTokens = tokens
		} else {
			cur = nil
			curTokens = 0
		}
	}

	for _, u := range units {
		t := tokenCount(u)
		if curTokens+t > c.cfg.MaxTokens && fresh > 0 {
			flush()
			fresh = 0
		}
		cur = append(cur, u)
		curTokens += t
		fresh++
	}
	if fresh > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// tokenCount approximates tokens as whitespace-delimited words. Embedding
// providers count differently; scoring only needs a consistent measure.
func tokenCount(s string) int {
	return len(strings.Fields(s))
}

func chunkID(sourceFile, section string, index int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s", sourceFile, section, index, text)
	return hex.EncodeToString(h.Sum(nil))[:24]
}
