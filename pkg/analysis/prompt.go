package analysis

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxCorpusChars is the character budget sent to the model.
	MaxCorpusChars = 15000
	// TruncationMarker is appended when the corpus was cut.
	TruncationMarker = "\n... (truncated)"
)

// SystemPrompt frames the model as a review analyst.
const SystemPrompt = `You are a product review analyst. You analyse the provided blog content thoroughly, identify advertising posts, and extract information grounded in genuine user experience. You reason from objective evidence, separate positive and negative opinion patterns clearly, and give an in-depth, trustworthy overall assessment rather than a plain summary.`

const userPrompt = `Below are blog posts about '%s'. Analyse the content thoroughly and answer according to the following instructions:

1. Advertising detection:
   - First judge objectively whether each post is advertising or sponsored content.
   - Criteria: explicit sponsorship or ad disclosure, an excessively positive tone, many purchase links, content focused on promoting the product.
   - Exclude advertising content from the opinion analysis or give it lower weight.

2. Positive opinions:
   - Focus on concrete strengths that real users experienced first-hand.
   - Distinguish objective facts from subjective satisfaction.
   - Prioritise the positive points mentioned most often, favouring recent posts.
   - Summarise in 5-7 lines.

3. Negative opinions:
   - Focus on real users' complaints and points for improvement.
   - Concentrate on concrete drawbacks and problems rather than vague grumbling.
   - Prioritise the negative points mentioned most often, favouring recent posts.
   - Summarise in 5-7 lines.
   - If there are almost no negative opinions, explain why (many advertising posts, genuinely high satisfaction, etc.).

4. Overall assessment:
   - Give a balanced verdict that weighs the ratio and credibility of positive and negative opinions.
   - State how much genuine user opinion is reflected given the share of advertising content.
   - Evaluate the product's main characteristics and user satisfaction objectively.
   - Summarise in 5-7 lines.

Blog content:
%s

Respond in JSON only, without Markdown:
{
  "ad_analysis": "advertising content analysis, including an estimated share of advertising posts",
  "positive": "concrete summary of positive opinions (based on real user experience)",
  "negative": "concrete summary of negative opinions (based on real user experience)",
  "summary": "objective overall summary and assessment"
}`

// BuildPrompt embeds the product name and corpus into the fixed template.
func BuildPrompt(product, corpus string) string {
	return fmt.Sprintf(userPrompt, product, corpus)
}

// TruncateCorpus cuts corpus to MaxCorpusChars characters and appends
// TruncationMarker. It reports whether anything was dropped.
func TruncateCorpus(corpus string) (string, bool) {
	if utf8.RuneCountInString(corpus) <= MaxCorpusChars {
		return corpus, false
	}
	n := 0
	for i := range corpus {
		if n == MaxCorpusChars {
			return corpus[:i] + TruncationMarker, true
		}
		n++
	}
	return corpus, false
}
