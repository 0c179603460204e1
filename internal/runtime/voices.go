package runtime

import (
	"regexp"
	"strings"

	"voiced/pkg/types"
)

// SupportedTags is the closed set of expression tags the expressive engine
// can render. Tag matching is case-insensitive.
var SupportedTags = []string{"laughs", "sighs", "chuckles", "breathes", "whispers"}

// voiceLibrary is the fixed voice table. The id is what callers pass in
// requests; the model decides which engine renders it.
var voiceLibrary = []types.Voice{
	{ID: "kokoro_narrator", Model: "kokoro", Label: "Narrator", Description: "Warm, even narration voice"},
	{ID: "kokoro_story", Model: "kokoro", Label: "Storyteller", Description: "Lighter voice suited to fiction"},
	{ID: "chatterbox_expressive", Model: "chatterbox", Label: "Expressive", Description: "Dialogue voice with expression tag support"},
	{ID: "chatterbox_studio", Model: "chatterbox", Label: "Studio", Description: "Neutral studio read with subtle expression"},
}

// VoicesForMode returns the library filtered to what the runtime mode can
// render: the standard runtime only carries kokoro voices.
func VoicesForMode(mode types.RuntimeMode) []types.Voice {
	out := make([]types.Voice, 0, len(voiceLibrary))
	for _, v := range voiceLibrary {
		if mode != types.RuntimeExpressive && v.Model != "kokoro" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// VoiceByID looks up a voice in the library.
func VoiceByID(id string) (types.Voice, bool) {
	for _, v := range voiceLibrary {
		if v.ID == id {
			return v, true
		}
	}
	return types.Voice{}, false
}

var tagPattern = regexp.MustCompile(`\[([^\]]+)\]`)

// ExtractTags returns the bracketed expression tags found in text, lowercased,
// in order of first appearance, without duplicates.
func ExtractTags(text string) []string {
	var tags []string
	seen := map[string]bool{}
	for _, m := range tagPattern.FindAllStringSubmatch(text, -1) {
		tag := strings.ToLower(strings.TrimSpace(m[1]))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// ValidateTags checks every bracketed tag in text against the supported set.
func ValidateTags(text string) types.TagValidation {
	supported := map[string]bool{}
	for _, t := range SupportedTags {
		supported[t] = true
	}
	invalid := []string{}
	for _, tag := range ExtractTags(text) {
		if !supported[tag] {
			invalid = append(invalid, tag)
		}
	}
	return types.TagValidation{
		IsValid:        len(invalid) == 0,
		InvalidTags:    invalid,
		SupportedTags:  append([]string(nil), SupportedTags...),
		NormalizedText: StripTags(text),
	}
}

var spaceRun = regexp.MustCompile(`\s{2,}`)

// StripTags removes every bracketed tag from text and collapses the leftover
// whitespace. The standard engine cannot render tags, so they are dropped
// before synthesis.
func StripTags(text string) string {
	out := tagPattern.ReplaceAllString(text, "")
	out = spaceRun.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
