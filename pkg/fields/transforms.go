package fields

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/ascii85"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	// ErrUnknownTransform is returned for a transform kind that is not registered.
	ErrUnknownTransform = errors.New("unknown transform")
	// ErrInvalidEncoding is returned when a decode transform gets malformed input.
	ErrInvalidEncoding = errors.New("invalid encoding")
)

// TransformFunc is a pure function applied to a single field value.
type TransformFunc func(string) (string, error)

// Transform kind names. These are part of the configuration surface.
const (
	TransformSlugify      = "slugify"
	TransformMD5          = "md5"
	TransformSHA256       = "sha256"
	TransformBase85Encode = "base85encode"
	TransformBase85Decode = "base85decode"
)

var transforms = map[string]TransformFunc{
	TransformSlugify:      Slugify,
	TransformMD5:          MD5,
	TransformSHA256:       SHA256,
	TransformBase85Encode: Base85Encode,
	TransformBase85Decode: Base85Decode,
}

var transformAliases = map[string]string{
	"base85_encode": TransformBase85Encode,
	"base85_decode": TransformBase85Decode,
}

// LookupTransform returns the transform registered under name.
func LookupTransform(name string) (TransformFunc, bool) {
	if canonical, ok := transformAliases[name]; ok {
		name = canonical
	}
	fn, ok := transforms[name]
	return fn, ok
}

// TransformKinds returns the canonical transform names, sorted.
func TransformKinds() []string {
	kinds := make([]string, 0, len(transforms))
	for k := range transforms {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// slugSeparator joins the alphanumeric runs of a slug.
const slugSeparator = '-'

var foldMarks = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify lower-cases s, folds accents, replaces every run of
// non-alphanumeric characters with a single '-' and trims separators from
// both ends.
func Slugify(s string) (string, error) {
	folded, _, err := transform.String(foldMarks, s)
	if err != nil {
		folded = s
	}

	var sb strings.Builder
	sb.Grow(len(folded))
	pending := false
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if pending && sb.Len() > 0 {
				sb.WriteRune(slugSeparator)
			}
			pending = false
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		pending = true
	}
	return sb.String(), nil
}

// MD5 returns the hex MD5 digest of the UTF-8 bytes of s.
func MD5(s string) (string, error) {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// SHA256 returns the hex SHA-256 digest of the UTF-8 bytes of s.
func SHA256(s string) (string, error) {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:]), nil
}

// Base85Encode encodes s with Ascii85 (no <~ ~> delimiters).
func Base85Encode(s string) (string, error) {
	dst := make([]byte, ascii85.MaxEncodedLen(len(s)))
	n := ascii85.Encode(dst, []byte(s))
	return string(dst[:n]), nil
}

// Base85Decode reverses Base85Encode.
func Base85Decode(s string) (string, error) {
	src := []byte(s)
	dst := make([]byte, 4*len(src)+4)
	n, consumed, err := ascii85.Decode(dst, src, true)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if consumed != len(src) {
		return "", fmt.Errorf("%w: trailing data at byte %d", ErrInvalidEncoding, consumed)
	}
	return string(dst[:n]), nil
}
