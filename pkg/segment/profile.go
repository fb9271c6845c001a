package segment

import "regexp"

// Profile carries the compiled boundary patterns for one language.
type Profile struct {
	// Tag is the language tag this profile was built for.
	Tag string

	// strong matches sentence-final punctuation followed by whitespace and an
	// upper-case letter of the language's alphabet. Group 1 is the punctuation
	// run, group 2 the upper-case letter opening the next sentence.
	strong *regexp.Regexp

	// medium matches clause punctuation followed by whitespace. Group 1 is the
	// punctuation character.
	medium *regexp.Regexp

	// guard matches text that ENDS in an abbreviation, so a strong candidate
	// whose prefix matches must not be split there ("Mr.", "ул.", initials).
	guard *regexp.Regexp
}

var (
	english = &Profile{
		Tag:    "en",
		strong: regexp.MustCompile(`([.!?…]+)[ \t\r\n]+([A-Z])`),
		medium: regexp.MustCompile(`([,;:])[ \t\r\n]+`),
		guard: regexp.MustCompile(
			`(?i)(?:\b(?:mr|mrs|ms|dr|prof|st|sr|jr|vs|etc|approx|e\.g|i\.e)|\s[a-z])\.$`),
	}

	russian = &Profile{
		Tag:    "ru",
		strong: regexp.MustCompile(`([.!?…]+)[ \t\r\n]+([А-ЯЁA-Z])`),
		medium: regexp.MustCompile(`([,;:])[ \t\r\n]+`),
		// RE2's \b is ASCII-only, so Cyrillic abbreviations are anchored on a
		// preceding separator instead of a word boundary.
		guard: regexp.MustCompile(
			`(?:(?:^|[\s,;:(«"])(?:г|гг|ул|д|кв|обл|им|др|проф|тыс|млн|см|стр|т\.д|т\.п|и\.т\.д)|\s[а-яёА-ЯЁa-zA-Z])\.$`),
	}

	profiles = map[string]*Profile{
		"en": english,
		"ru": russian,
	}
)

// ProfileFor returns the profile registered for lang, falling back to English
// for unknown tags. Region subtags are ignored ("en-US" selects "en").
func ProfileFor(lang string) *Profile {
	if len(lang) >= 2 {
		if p, ok := profiles[lang[:2]]; ok {
			return p
		}
	}
	return english
}
