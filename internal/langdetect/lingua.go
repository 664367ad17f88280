package langdetect

import (
	"strings"
	"sync"
	"unicode"

	lingua "github.com/pemistahl/lingua-go"
)

var (
	detectorOnce sync.Once
	detector     lingua.LanguageDetector
)

// DetectISO6391 returns the two-letter language code for a text sample, or ""
// when the sample is too short or detection is inconclusive. The detector is
// restricted to the languages that occur in the Brazilian insurance news
// corpus, which keeps model load time and memory low.
func DetectISO6391(text string) string {
	sample := strings.TrimSpace(text)
	if sample == "" {
		return ""
	}

	letterCount := 0
	for _, r := range sample {
		if unicode.IsLetter(r) {
			letterCount++
		}
	}
	if letterCount < 6 {
		return ""
	}

	language, exists := getDetector().DetectLanguageOf(sample)
	if !exists {
		return ""
	}

	code := strings.ToLower(language.IsoCode639_1().String())
	if len(code) != 2 {
		return ""
	}
	return code
}

// CountLanguages tags every text and returns per-language counts, with
// undetected samples bucketed under "und".
func CountLanguages(texts []string) map[string]int {
	counts := make(map[string]int, 4)
	for _, text := range texts {
		code := DetectISO6391(text)
		if code == "" {
			code = "und"
		}
		counts[code]++
	}
	return counts
}

func getDetector() lingua.LanguageDetector {
	detectorOnce.Do(func() {
		detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.Portuguese, lingua.English, lingua.Spanish).
			WithPreloadedLanguageModels().
			Build()
	})
	return detector
}
