// Package knowledge turns customer documents into embedded chunks and
// retrieves the most relevant ones for a query.
package knowledge

import "strings"

const maxChunkChars = 800

// SplitChunks breaks a document into retrieval units: blank-line separated
// paragraphs, with oversized paragraphs re-split on sentence boundaries.
func SplitChunks(text string) []string {
	var chunks []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= maxChunkChars {
			chunks = append(chunks, para)
			continue
		}
		chunks = append(chunks, splitLongParagraph(para)...)
	}
	return chunks
}

func splitLongParagraph(para string) []string {
	var out []string
	var cur strings.Builder
	for _, sentence := range splitSentences(para) {
		if cur.Len() > 0 && cur.Len()+1+len(sentence) > maxChunkChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(sentence)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// splitSentences cuts on terminal punctuation followed by whitespace,
// keeping the punctuation with its sentence.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		c := text[i]
		if (c == '.' || c == '!' || c == '?') && isSpace(text[i+1]) {
			s := strings.TrimSpace(text[start : i+1])
			if s != "" {
				out = append(out, s)
			}
			start = i + 1
		}
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
