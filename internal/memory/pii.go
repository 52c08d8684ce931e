package memory

import "regexp"

// piiPattern names a regex used to flag likely PII in content bound for
// PUBLIC storage (spec §4.1). No pack library offers PII classification,
// so this stays on regexp: detection here is pattern matching, not a
// concern any third-party library in the corpus addresses better.
type piiPattern struct {
	name string
	re   *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{"email", regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{"credit_card", regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)},
	{"bearer_token", regexp.MustCompile(`(?i)bearer\s+[a-z0-9._\-]{16,}`)},
	{"api_key", regexp.MustCompile(`(?i)\b(sk|pk|api)[_-][a-z0-9]{16,}\b`)},
}

// scanForPII returns the names of every pattern that matched content.
func scanForPII(content []byte) []string {
	var flags []string
	for _, p := range piiPatterns {
		if p.re.Match(content) {
			flags = append(flags, p.name)
		}
	}
	return flags
}

// Validator lets callers register additional PII checks (spec §4.1:
// "regex set + optional custom validators").
type Validator func(content []byte) (flag string, matched bool)

func scanWithValidators(content []byte, extra []Validator) []string {
	flags := scanForPII(content)
	for _, v := range extra {
		if flag, ok := v(content); ok {
			flags = append(flags, flag)
		}
	}
	return flags
}
