package pipeline

// chunkText splits a cached completion into synthetic stream chunks of
// roughly target bytes, cutting only at spaces so words stay whole. The
// concatenation of the returned chunks is byte-identical to the input.
func chunkText(text string, target int) []string {
	if text == "" {
		return nil
	}
	if target <= 0 || len(text) <= target {
		return []string{text}
	}

	var chunks []string
	for len(text) > target {
		cut := target
		for cut < len(text) && text[cut] != ' ' {
			cut++
		}
		for cut < len(text) && text[cut] == ' ' {
			cut++
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
