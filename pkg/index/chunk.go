package index

import "strings"

const chunkOverlap = 50

type chunk struct {
	content     string
	heading     string
	startOffset int
	endOffset   int
}

// chunkContent splits content into line-aligned chunks of at most maxSize
// bytes, each new chunk carrying a short overlap with the previous one.
func chunkContent(content string, maxSize int) []chunk {
	if maxSize <= 0 {
		maxSize = 1000
	}
	minSize := maxSize / 2

	var chunks []chunk
	var current strings.Builder
	startOffset := 0
	offset := 0
	heading := ""
	chunkHeading := ""

	for _, line := range strings.Split(content, "\n") {
		lineLen := len(line) + 1

		if current.Len() > 0 && current.Len()+lineLen > maxSize {
			chunks = append(chunks, chunk{
				content:     strings.TrimSpace(current.String()),
				heading:     chunkHeading,
				startOffset: startOffset,
				endOffset:   offset,
			})

			text := current.String()
			current.Reset()
			if len(text) > chunkOverlap {
				current.WriteString(text[len(text)-chunkOverlap:])
				startOffset = offset - chunkOverlap
			} else {
				startOffset = offset
			}
			chunkHeading = heading
		}

		if strings.HasPrefix(line, "#") {
			heading = strings.TrimSpace(strings.TrimLeft(line, "#"))
			if current.Len() == 0 {
				chunkHeading = heading
			}
		}

		current.WriteString(line)
		current.WriteString("\n")
		offset += lineLen
	}

	if current.Len() >= minSize || len(chunks) == 0 {
		if text := strings.TrimSpace(current.String()); text != "" {
			chunks = append(chunks, chunk{
				content:     text,
				heading:     chunkHeading,
				startOffset: startOffset,
				endOffset:   offset,
			})
		}
	}

	return chunks
}
