// Package chunking splits document text into deterministically sized
// chunks with configurable overlap. The same (text, size, overlap)
// input always yields a byte-identical chunk list, which keeps chunk
// ids stable across re-ingests.
package chunking

import (
	"strings"
)

// Defaults for chunk size and overlap, in characters.
const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

// sentenceBoundary splits oversized paragraphs.
const sentenceBoundary = ". "

// Chunk splits text into chunks of at most size characters (before
// overlap decoration), built greedily from blank-line paragraphs.
// Paragraphs larger than size are split on sentence boundaries with the
// same greedy rule. Every chunk after the first is prefixed with the
// last overlap characters of its predecessor wrapped as "…<overlap>…\n".
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
		if overlap >= size {
			overlap = 0
		}
	}

	base := splitIntoChunks(text, size)
	if len(base) == 0 {
		return nil
	}

	if overlap == 0 {
		return base
	}

	chunks := make([]string, len(base))
	chunks[0] = base[0]
	for i := 1; i < len(base); i++ {
		chunks[i] = overlapPrefix(base[i-1], overlap) + base[i]
	}
	return chunks
}

// splitIntoChunks produces the undecorated chunk sequence.
func splitIntoChunks(text string, size int) []string {
	var chunks []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
		}
	}

	for _, para := range splitParagraphs(text) {
		if len(para) > size {
			// Oversized paragraph: close the current buffer and pack
			// its sentences greedily.
			flush()
			chunks = append(chunks, splitLongParagraph(para, size)...)
			continue
		}

		if buf.Len() == 0 {
			buf.WriteString(para)
			continue
		}
		if buf.Len()+2+len(para) <= size {
			buf.WriteString("\n\n")
			buf.WriteString(para)
		} else {
			flush()
			buf.WriteString(para)
		}
	}
	flush()

	return chunks
}

// splitParagraphs breaks text on blank lines, trimming each paragraph
// and dropping empty ones. Line endings are normalized first so CRLF
// input chunks identically to LF input.
func splitParagraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")

	var paras []string
	for _, raw := range strings.Split(normalized, "\n\n") {
		para := strings.TrimSpace(raw)
		if para != "" {
			paras = append(paras, para)
		}
	}
	return paras
}

// splitLongParagraph packs the paragraph's sentences greedily into
// pieces of at most size characters. A single sentence longer than size
// is hard-split.
func splitLongParagraph(para string, size int) []string {
	var pieces []string
	var buf strings.Builder

	flush := func() {
		if buf.Len() > 0 {
			pieces = append(pieces, strings.TrimRight(buf.String(), " "))
			buf.Reset()
		}
	}

	for _, sentence := range strings.SplitAfter(para, sentenceBoundary) {
		if sentence == "" {
			continue
		}
		if len(sentence) > size {
			flush()
			for start := 0; start < len(sentence); start += size {
				end := start + size
				if end > len(sentence) {
					end = len(sentence)
				}
				pieces = append(pieces, strings.TrimRight(sentence[start:end], " "))
			}
			continue
		}
		if buf.Len()+len(sentence) > size {
			flush()
		}
		buf.WriteString(sentence)
	}
	flush()

	return pieces
}

// overlapPrefix wraps the tail of the previous chunk for continuity.
func overlapPrefix(prev string, overlap int) string {
	tail := prev
	if len(tail) > overlap {
		tail = tail[len(tail)-overlap:]
	}
	return "…" + tail + "…\n"
}
