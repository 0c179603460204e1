package runtime

import (
	"reflect"
	"testing"

	"voiced/pkg/types"
)

func TestExtractTags(t *testing.T) {
	cases := []struct {
		text string
		want []string
	}{
		{"plain text", nil},
		{"[laughs] hello", []string{"laughs"}},
		{"[Laughs] and [SIGHS]", []string{"laughs", "sighs"}},
		{"[laughs] twice [laughs]", []string{"laughs"}},
		{"[ whispers ] padded", []string{"whispers"}},
		{"empty [] brackets", nil},
	}
	for _, tc := range cases {
		if got := ExtractTags(tc.text); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("ExtractTags(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}

func TestValidateTags(t *testing.T) {
	v := ValidateTags("[laughs] then [shouts] loudly [sighs]")
	if v.IsValid {
		t.Fatal("shouts is not a supported tag")
	}
	if !reflect.DeepEqual(v.InvalidTags, []string{"shouts"}) {
		t.Fatalf("invalid tags = %v", v.InvalidTags)
	}
	if !reflect.DeepEqual(v.SupportedTags, SupportedTags) {
		t.Fatalf("supported tags = %v", v.SupportedTags)
	}

	ok := ValidateTags("[chuckles] all good [breathes]")
	if !ok.IsValid || len(ok.InvalidTags) != 0 {
		t.Fatalf("valid text reported invalid: %+v", ok)
	}
	if ok.NormalizedText != "all good" {
		t.Fatalf("normalized text = %q", ok.NormalizedText)
	}
}

func TestStripTags(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"[laughs] hello there", "hello there"},
		{"mid [sighs] sentence", "mid sentence"},
		{"no tags here", "no tags here"},
		{"[a][b] stacked", "stacked"},
	}
	for _, tc := range cases {
		if got := StripTags(tc.in); got != tc.want {
			t.Errorf("StripTags(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVoicesForMode(t *testing.T) {
	std := VoicesForMode(types.RuntimeStandard)
	for _, v := range std {
		if v.Model != "kokoro" {
			t.Fatalf("standard mode exposed %s voice %s", v.Model, v.ID)
		}
	}
	if len(std) == 0 {
		t.Fatal("standard mode has no voices")
	}

	expr := VoicesForMode(types.RuntimeExpressive)
	if len(expr) <= len(std) {
		t.Fatalf("expressive mode should add voices: %d <= %d", len(expr), len(std))
	}
	if _, ok := VoiceByID("chatterbox_expressive"); !ok {
		t.Fatal("chatterbox_expressive missing from library")
	}
}
