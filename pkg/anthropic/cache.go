package anthropic

// BuildCachedSystemBlocks wraps a static system prompt with a one-hour cache
// breakpoint so consecutive transcripts reuse the cached prefix.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: "1h"}}}
}
