package transduce

// EstimateTokens is the count-tokens fallback's heuristic (§4.6 "Token
// counting path"): used only when no external count-tokens endpoint is
// configured. Deliberately crude — a real tokenizer is out of scope (spec.md
// §1 Non-goals) — roughly 4 bytes per token, floored at 1 for any non-empty
// input.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
