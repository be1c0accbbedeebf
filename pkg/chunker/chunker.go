// Package chunker splits a finished reply into display chunks for pseudo-streaming.
package chunker

import "strings"

// DefaultWordsPerChunk is used when a non-positive chunk size is requested.
const DefaultWordsPerChunk = 10

// Chunks splits text on whitespace and groups wordsPerChunk words per chunk.
// Every chunk except the last ends with a single space, so joining the result
// reproduces the whitespace-normalized text. Empty or blank text yields nil.
func Chunks(text string, wordsPerChunk int) []string {
	if wordsPerChunk < 1 {
		wordsPerChunk = DefaultWordsPerChunk
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	chunks := make([]string, 0, (len(words)+wordsPerChunk-1)/wordsPerChunk)
	for i := 0; i < len(words); i += wordsPerChunk {
		end := i + wordsPerChunk
		if end > len(words) {
			end = len(words)
		}
		chunk := strings.Join(words[i:end], " ")
		if end < len(words) {
			chunk += " "
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}
