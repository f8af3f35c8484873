// Package errclass turns raw miner logs and error code lists into short
// human readable fault descriptions using per-vendor regex tables.
package errclass

import (
	"regexp"
	"sort"
	"strings"
)

// Rule maps a log pattern to a message. Each "{}" in Template is replaced
// by the next capture group of the match.
type Rule struct {
	Pattern  *regexp.Regexp
	Template string
}

func rule(pattern, template string) Rule {
	return Rule{Pattern: regexp.MustCompile(pattern), Template: template}
}

// Message renders the template for one submatch slice as returned by
// FindStringSubmatch. Placeholders without a matching group are left as is.
func (r Rule) Message(match []string) string {
	var b strings.Builder
	rest := r.Template
	groups := match[1:]
	for {
		i := strings.Index(rest, "{}")
		if i < 0 || len(groups) == 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:i])
		b.WriteString(groups[0])
		groups = groups[1:]
		rest = rest[i+2:]
	}
}

// Classify applies every rule to text and returns the distinct messages in
// sorted order. A rule that matches several times contributes one message
// per distinct rendering.
func Classify(text string, rules []Rule) []string {
	seen := make(map[string]struct{})
	for _, r := range rules {
		for _, m := range r.Pattern.FindAllStringSubmatch(text, -1) {
			seen[r.Message(m)] = struct{}{}
		}
	}

	out := make([]string, 0, len(seen))
	for msg := range seen {
		out = append(out, msg)
	}
	sort.Strings(out)
	return out
}
