package planner

import (
	"embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
	"gopkg.in/yaml.v3"
)

//go:embed lexicons/*.yaml
var builtinPacks embed.FS

// Intent is the classification a cue assigns to a request.
type Intent string

const (
	IntentAggregation Intent = "aggregation"
	IntentTimescale   Intent = "timescale"
)

// Cue maps a pattern to an intent. Timescale cues carry the date_trunc unit.
type Cue struct {
	Pattern string `yaml:"pattern"`
	Intent  Intent `yaml:"intent"`
	Unit    string `yaml:"unit,omitempty"`
}

// Lexicon is a language pack: ordered cues plus word -> table synonyms.
type Lexicon struct {
	Language string            `yaml:"language"`
	Synonyms map[string]string `yaml:"synonyms"`
	Cues     []Cue             `yaml:"cues"`
}

var validUnits = map[string]bool{"day": true, "week": true, "month": true, "year": true}

// ParseLexicon decodes a YAML language pack and validates its cues.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var lex Lexicon
	if err := yaml.Unmarshal(data, &lex); err != nil {
		return nil, fmt.Errorf("lexicon: invalid document: %w", err)
	}
	for i, c := range lex.Cues {
		switch c.Intent {
		case IntentAggregation:
		case IntentTimescale:
			if !validUnits[c.Unit] {
				return nil, fmt.Errorf("lexicon %s: cue %d: invalid timescale unit %q", lex.Language, i, c.Unit)
			}
		default:
			return nil, fmt.Errorf("lexicon %s: cue %d: unknown intent %q", lex.Language, i, c.Intent)
		}
		if strings.TrimSpace(c.Pattern) == "" {
			return nil, fmt.Errorf("lexicon %s: cue %d: empty pattern", lex.Language, i)
		}
	}
	return &lex, nil
}

// LoadLexicon reads a language pack from disk.
func LoadLexicon(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: failed to read %s: %w", path, err)
	}
	return ParseLexicon(data)
}

// Builtin returns an embedded language pack ("pt" or "en").
func Builtin(language string) (*Lexicon, error) {
	data, err := builtinPacks.ReadFile("lexicons/" + language + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("lexicon: no builtin pack %q", language)
	}
	return ParseLexicon(data)
}

// DefaultLexicons returns the builtin packs, Portuguese first.
func DefaultLexicons() []*Lexicon {
	var out []*Lexicon
	for _, lang := range []string{"pt", "en"} {
		lex, err := Builtin(lang)
		if err != nil {
			panic(err)
		}
		out = append(out, lex)
	}
	return out
}

type compiledCue struct {
	re     *regexp.Regexp
	intent Intent
	unit   string
}

// classifier holds the compiled cues of every configured lexicon, in order.
type classifier struct {
	cues     []compiledCue
	synonyms map[string]string
}

func newClassifier(lexicons []*Lexicon) (*classifier, error) {
	c := &classifier{synonyms: make(map[string]string)}
	for _, lex := range lexicons {
		for _, cue := range lex.Cues {
			// Whole-word match over folded text; \b is ASCII-only in RE2.
			expr := `(?:^|[^\p{L}\p{N}_])(?:` + fold(cue.Pattern) + `)(?:$|[^\p{L}\p{N}_])`
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("lexicon %s: invalid pattern %q: %w", lex.Language, cue.Pattern, err)
			}
			c.cues = append(c.cues, compiledCue{re: re, intent: cue.Intent, unit: cue.Unit})
		}
		for word, table := range lex.Synonyms {
			w := fold(word)
			if _, ok := c.synonyms[w]; !ok {
				c.synonyms[w] = table
			}
		}
	}
	return c, nil
}

type intent struct {
	aggregation bool
	unit        string // timescale unit, "" when none
}

func (c *classifier) classify(folded string) intent {
	var in intent
	for _, cue := range c.cues {
		if !cue.re.MatchString(folded) {
			continue
		}
		switch cue.intent {
		case IntentAggregation:
			in.aggregation = true
		case IntentTimescale:
			if in.unit == "" {
				in.unit = cue.unit
			}
		}
	}
	return in
}

var yearPattern = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})(?:$|\D)`)

func extractYear(folded string) string {
	if m := yearPattern.FindStringSubmatch(folded); m != nil {
		return m[1]
	}
	return ""
}

// fold lower-cases s and strips combining marks ("mês" -> "mes").
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// words splits folded text into identifier-like tokens.
func words(folded string) []string {
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}
