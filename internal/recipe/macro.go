package recipe

import "strings"

// Macro tokens are written <word> or, in guarded form, <word?word>
// ("first if defined else second"). Substitution scans left to right,
// never recurses into its own output.
const (
	lEncloser  = '<'
	rEncloser  = '>'
	guardSplit = '?'
)

// Specs maps macro names (such as "version", "datetime" or "extra") to
// the values substituted for them. internal/jobmaster binds recipes with
// "version" only, so <datetime> and <extra> expand to the empty string
// there.
type Specs map[string]string

// Expand substitutes every <word> and <a?b> macro occurrence in s using
// specs. An undefined simple macro <word> substitutes to the empty
// string. In the guarded form <a?b>, if a is undefined the value of b is
// substituted; if b is also undefined, the guarded form falls back to the
// empty string rather than erroring — a config typo on both sides
// produces nothing rather than crashing the bind.
func Expand(s string, specs Specs) string {
	var out strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != lEncloser {
			out.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], rEncloser)
		if end < 0 {
			// No closing bracket; treat the rest as literal text.
			out.WriteString(s[i:])
			break
		}
		token := s[i+1 : i+1+end]
		out.WriteString(expandToken(token, specs))
		i = i + 1 + end + 1
	}
	return out.String()
}

func expandToken(token string, specs Specs) string {
	if qi := strings.IndexByte(token, guardSplit); qi >= 0 {
		left, right := token[:qi], token[qi+1:]
		if v, ok := specs[left]; ok {
			return v
		}
		if v, ok := specs[right]; ok {
			return v
		}
		return ""
	}
	return specs[token]
}
