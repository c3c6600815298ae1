package ingest

import "strings"

// maxBlockSize caps a single block's content. Oversized paragraphs are
// split so no block exceeds the embedder's usable input window.
const maxBlockSize = 8 * 1024

// SplitBlocks is the fallback parser used by the CLI: it splits plain
// text into paragraph blocks on blank lines. Structured formats should go
// through a dedicated parser instead and supply summaries where the
// format carries them.
func SplitBlocks(text string) []Block {
	var blocks []Block

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range splitOversized(para) {
			blocks = append(blocks, Block{Content: piece})
		}
	}

	return blocks
}

// splitOversized cuts a paragraph into pieces of at most maxBlockSize
// bytes, breaking at line boundaries where possible.
func splitOversized(para string) []string {
	if len(para) <= maxBlockSize {
		return []string{para}
	}

	var pieces []string
	var sb strings.Builder
	for _, line := range strings.Split(para, "\n") {
		if sb.Len() > 0 && sb.Len()+len(line)+1 > maxBlockSize {
			pieces = append(pieces, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		// A single line longer than the cap is cut mid-line.
		for len(line) > maxBlockSize {
			pieces = append(pieces, line[:maxBlockSize])
			line = line[maxBlockSize:]
		}
		sb.WriteString(line)
	}
	if sb.Len() > 0 {
		pieces = append(pieces, sb.String())
	}

	return pieces
}
