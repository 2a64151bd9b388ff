package shared

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	bracketQualifier = regexp.MustCompile(`(?i)\s*[\(\[][^\)\]]*\b(feat|ft|featuring|remaster|remastered|radio edit|explicit|clean|bonus track)\b[^\)\]]*[\)\]]`)
	dashQualifier    = regexp.MustCompile(`(?i)\s+-\s+.*\b(remaster|remastered|radio edit|mono|stereo|single version|album version)\b.*$`)
	featuringSuffix  = regexp.MustCompile(`(?i)\s+(feat\.?|ft\.?|featuring)\s+.*$`)
)

// NormalizeText folds s for comparison: compatibility decomposition, diacritics removed, case folded,
// punctuation turned into spaces and whitespace collapsed.
func NormalizeText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	out = cases.Fold().String(out)

	var b strings.Builder
	for _, r := range out {
		switch {
		case unicode.IsLetter(r), unicode.IsNumber(r):
			b.WriteRune(r)
		case r == '&':
			b.WriteString(" and ")
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeTitle removes featuring and remaster qualifiers before normalizing.
func NormalizeTitle(title string) string {
	title = bracketQualifier.ReplaceAllString(title, "")
	title = dashQualifier.ReplaceAllString(title, "")
	return NormalizeText(title)
}

// NormalizeArtist drops featured artists before normalizing.
func NormalizeArtist(artist string) string {
	return NormalizeText(featuringSuffix.ReplaceAllString(artist, ""))
}

// NormalizeTrackKey builds the "title|artist" key used for exact metadata matches.
func NormalizeTrackKey(title, artist string) string {
	return NormalizeTitle(title) + "|" + NormalizeArtist(artist)
}

// NormalizeSourceID canonicalizes an external identifier so equal ids compare equal.
func NormalizeSourceID(source, id string) string {
	id = strings.TrimSpace(id)
	switch {
	case strings.EqualFold(source, "isrc"):
		return strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(id))
	case strings.Contains(id, "://"):
		return strings.TrimSuffix(strings.ToLower(id), "/")
	default:
		return id
	}
}
