package extractors

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
)

var (
	packedStartRe = regexp.MustCompile(`eval\(function\(p,a,c,k,e,[dr]\)`)
	packerArgsRe  = regexp.MustCompile(`(?s)\}\('(.*)',\s*(\d+),\s*(\d+),\s*'(.*?)'\.split\('\|'\)`)
	packerWordRe  = regexp.MustCompile(`\b\w+\b`)
)

const packerDigits = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

var errNotPacked = errors.New("packer arguments not found")

// unpackAll unpacks every P.A.C.K.E.R. block in page.
func unpackAll(page string) []string {
	starts := packedStartRe.FindAllStringIndex(page, -1)
	var out []string
	for i, loc := range starts {
		end := len(page)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		if s, err := unpack(page[loc[0]:end]); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// unpack reverses eval(function(p,a,c,k,e,d){...}('payload',radix,count,'k|e|y|s'.split('|'),0,{})).
func unpack(packed string) (string, error) {
	m := packerArgsRe.FindStringSubmatch(packed)
	if len(m) < 5 {
		return "", errNotPacked
	}
	payload := strings.ReplaceAll(m[1], `\'`, `'`)
	radix, err := strconv.Atoi(m[2])
	if err != nil || radix < 2 || radix > len(packerDigits) {
		return "", errNotPacked
	}
	keywords := strings.Split(m[4], "|")

	return packerWordRe.ReplaceAllStringFunc(payload, func(word string) string {
		n, ok := decodeRadix(word, radix)
		if !ok || n >= len(keywords) || keywords[n] == "" {
			return word
		}
		return keywords[n]
	}), nil
}

// decodeRadix parses word in the packer's digit alphabet.
func decodeRadix(word string, radix int) (int, bool) {
	n := 0
	for i := 0; i < len(word); i++ {
		d := strings.IndexByte(packerDigits[:radix], word[i])
		if d < 0 {
			return 0, false
		}
		n = n*radix + d
		if n > 1<<20 {
			return 0, false
		}
	}
	return n, true
}
