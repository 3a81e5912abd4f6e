package validate

import (
	"math"
	"testing"
)

func TestLevenshteinDistance(t *testing.T) {
	tests := []struct {
		s1       string
		s2       string
		expected int
	}{
		{"", "", 0},
		{"", "abc", 3},
		{"abc", "", 3},
		{"abc", "abc", 0},
		{"abc", "abd", 1},
		{"abc", "adc", 1},
		{"abc", "dbc", 1},
		{"kitten", "sitting", 3},
		{"saturday", "sunday", 3},
		{"read_file", "red_file", 1},
	}

	for _, tt := range tests {
		t.Run(tt.s1+"_"+tt.s2, func(t *testing.T) {
			distance := levenshteinDistance(tt.s1, tt.s2)
			if distance != tt.expected {
				t.Errorf("levenshteinDistance(%q, %q) = %d, expected %d",
					tt.s1, tt.s2, distance, tt.expected)
			}
		})
	}
}

func TestScore(t *testing.T) {
	if got := Score("read_file", "read_file"); got != 1.0 {
		t.Errorf("exact match = %v, want 1.0", got)
	}
	// Case-insensitive equality is containment both ways, top of the band.
	if got := Score("Read_File", "read_file"); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("case-insensitive match = %v, want 0.8", got)
	}
	// Substring containment lands in 0.7..0.8.
	if got := Score("file", "read_file"); got < 0.7 || got > 0.8 {
		t.Errorf("substring score = %v, want within [0.7, 0.8]", got)
	}
	// A one-edit typo still clears the suggestion threshold.
	if got := Score("red_file", "read_file"); got <= SuggestionThreshold {
		t.Errorf("typo score = %v, want > %v", got, SuggestionThreshold)
	}
	// Unrelated names stay below the threshold.
	if got := Score("zzz", "path"); got > SuggestionThreshold {
		t.Errorf("unrelated score = %v, want <= %v", got, SuggestionThreshold)
	}
	if got := Score("", "path"); got != 0 {
		t.Errorf("empty string score = %v, want 0", got)
	}
}

func TestBestDeterministicTieBreak(t *testing.T) {
	// Both candidates contain the target with identical length ratios.
	best, _ := Best("read", []string{"read_b", "read_a"})
	if best != "read_a" {
		t.Errorf("tie break picked %q, want read_a", best)
	}
}

func TestSuggest(t *testing.T) {
	candidates := []string{"read_file", "write_file", "list_directory"}

	if got, ok := Suggest("red_file", candidates); !ok || got != "read_file" {
		t.Errorf("Suggest(red_file) = %q, %v", got, ok)
	}
	if _, ok := Suggest("launch_rocket", candidates); ok {
		t.Error("unrelated name should not produce a suggestion")
	}
	if _, ok := Suggest("x", nil); ok {
		t.Error("no candidates should not produce a suggestion")
	}
}
