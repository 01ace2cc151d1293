package playbook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidPlaybook(t *testing.T) {
	pb, err := Parse(strings.NewReader(`
name: support-docs
engine: ">= 1.0.0, < 2.0.0"
normalize:
  collapse_whitespace: true
  strip_control_chars: true
sections:
  heading_prefixes: ["# ", "## "]
  default_section: preamble
audience:
  exclude_sections: ["Internal Notes"]
  exclude_markers: ["CONFIDENTIAL"]
`))
	require.NoError(t, err)
	assert.Equal(t, "support-docs", pb.Name)
	assert.True(t, pb.Normalize.NFC(), "nfc defaults on when unset")
	assert.Equal(t, "preamble", pb.Sections.DefaultSection)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("name: x\nbogus_key: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus_key")
}

func TestEngineConstraint(t *testing.T) {
	_, err := Parse(strings.NewReader(`{name: future, engine: ">= 9.0.0"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires engine")

	_, err = Parse(strings.NewReader(`{name: broken, engine: "not-a-range"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid engine constraint")
}

func TestNewChunkerValidation(t *testing.T) {
	_, err := NewChunker(nil, ChunkerConfig{MaxTokens: 0})
	assert.Error(t, err)
	_, err = NewChunker(nil, ChunkerConfig{MaxTokens: 10, Overlap: 10})
	assert.Error(t, err)
	_, err = NewChunker(nil, ChunkerConfig{MaxTokens: 10, SplitOn: "words"})
	assert.Error(t, err)
	_, err = NewChunker(nil, ChunkerConfig{MaxTokens: 10, Overlap: 2, SplitOn: "sentence"})
	assert.NoError(t, err)
}

func TestChunkStableIDs(t *testing.T) {
	c, err := NewChunker(Default(), ChunkerConfig{MaxTokens: 8, SplitOn: "sentence"})
	require.NoError(t, err)

	doc := "First sentence here. Second sentence follows. Third one ends it."
	a := c.Chunk("doc.txt", doc)
	b := c.Chunk("doc.txt", doc)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ChunkID, b[i].ChunkID, "re-chunking is deterministic")
	}

	other := c.Chunk("other.txt", doc)
	assert.NotEqual(t, a[0].ChunkID, other[0].ChunkID, "IDs are keyed by source file")
}

func TestChunkWindowingAndOverlap(t *testing.T) {
	c, err := NewChunker(Default(), ChunkerConfig{MaxTokens: 6, Overlap: 3, SplitOn: "sentence"})
	require.NoError(t, err)

	chunks := c.Chunk("d.txt", "one two three. four five six. seven eight nine.")
	require.True(t, len(chunks) >= 2)
	for _, ch := range chunks {
		assert.Greater(t, ch.TokenCount, 0)
	}
	// Overlap: the second chunk starts with the first chunk's trailing unit.
	assert.Contains(t, chunks[1].Text, "four five six.")
}

func TestChunkSectionFencing(t *testing.T) {
	c, err := NewChunker(Default(), ChunkerConfig{MaxTokens: 100, SplitOn: "paragraph"})
	require.NoError(t, err)

	chunks := c.Chunk("d.md", "intro text here\n# Setup\nsetup steps\n# Usage\nusage notes")
	sections := map[string]bool{}
	for _, ch := range chunks {
		sections[ch.Section] = true
	}
	assert.True(t, sections["body"])
	assert.True(t, sections["Setup"])
	assert.True(t, sections["Usage"])
}

func TestChunkAudienceExclusions(t *testing.T) {
	pb := Default()
	pb.Audience.ExcludeSections = []string{"internal notes"}
	pb.Audience.ExcludeMarkers = []string{"DO-NOT-SHIP"}
	c, err := NewChunker(pb, ChunkerConfig{MaxTokens: 100, SplitOn: "paragraph"})
	require.NoError(t, err)

	chunks := c.Chunk("d.md",
		"public info\nDO-NOT-SHIP secret line\n# Internal Notes\nhidden entirely\n# Public\nvisible")
	for _, ch := range chunks {
		assert.NotContains(t, ch.Text, "secret")
		assert.NotContains(t, ch.Text, "hidden")
		assert.NotEqual(t, "Internal Notes", ch.Section)
	}
}

func TestChunkNormalization(t *testing.T) {
	pb := Default()
	pb.Normalize.Lowercase = true
	c, err := NewChunker(pb, ChunkerConfig{MaxTokens: 100, SplitOn: "sentence"})
	require.NoError(t, err)

	chunks := c.Chunk("d.txt", "HELLO   WORLD.\x00\x01 Second\t\tsentence.")
	require.NotEmpty(t, chunks)
	joined := ""
	for _, ch := range chunks {
		joined += ch.Text + " "
	}
	assert.Contains(t, joined, "hello world.")
	assert.NotContains(t, joined, "\x00")
}

func TestChunkEmptyDocument(t *testing.T) {
	c, err := NewChunker(nil, ChunkerConfig{MaxTokens: 10})
	require.NoError(t, err)
	assert.Empty(t, c.Chunk("d.txt", ""))
	assert.Empty(t, c.Chunk("d.txt", "   \n\n  "))
}
