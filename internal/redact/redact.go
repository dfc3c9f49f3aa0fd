// Package redact scrubs likely secrets from log lines before they leave the proxy.
//
// Patterns run in a fixed order: explicit header and token shapes first, then the
// generic key=value catch-all, then email addresses. A span that an earlier pattern
// already replaced is left alone by later ones, so overlapping matches are counted once.
package redact

import (
	"regexp"
	"strings"
)

// DefaultReplacement is substituted for every secret when no replacement is configured.
const DefaultReplacement = "[REDACTED]"

// Options controls redaction behaviour.
type Options struct {
	Enabled     bool
	Replacement string
}

// Result is the outcome of redacting a single message.
type Result struct {
	Message        string
	Redacted       bool
	RedactionCount int
	// Rules lists the names of the patterns that matched, in pattern order.
	Rules []string
}

// rule is a named pattern. When prefixGroup > 0, the text captured by that group is
// kept in front of the replacement (e.g. an "Authorization: Bearer " header name).
type rule struct {
	name        string
	re          *regexp.Regexp
	prefixGroup int
}

var rules = []rule{
	{
		name:        "authorization_header",
		re:          regexp.MustCompile(`(?i)(\bauthorization["']?\s*[:=]\s*["']?(?:bearer|basic|token)\s+)([^\s"',;]+)`),
		prefixGroup: 1,
	},
	{
		name:        "bearer_token",
		re:          regexp.MustCompile(`(?i)(\bbearer\s+)([A-Za-z0-9\-._~+/]+=*)`),
		prefixGroup: 1,
	},
	{
		name:        "api_key_header",
		re:          regexp.MustCompile(`(?i)(\b(?:x-api-key|x-auth-token|x-access-token|api-key|x-user-token)["']?\s*[:=]\s*["']?)([^\s"',;]+)`),
		prefixGroup: 1,
	},
	{
		name: "jwt",
		re:   regexp.MustCompile(`\beyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+`),
	},
	{
		name:        "secret_assignment",
		re:          regexp.MustCompile(`(?i)(\b(?:password|passwd|pwd|secret|client[_-]?secret|token|access[_-]?token|refresh[_-]?token|auth[_-]?token|api[_-]?key|apikey|access[_-]?key|private[_-]?key)["']?\s*[:=]\s*["']?)([^\s"',;&]+)`),
		prefixGroup: 1,
	},
	{
		name: "email",
		re:   regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	},
}

// Redactor applies the ordered pattern list to messages.
type Redactor struct {
	opts Options
}

// New creates a Redactor. An empty replacement falls back to DefaultReplacement.
func New(opts Options) *Redactor {
	if strings.TrimSpace(opts.Replacement) == "" {
		opts.Replacement = DefaultReplacement
	}
	return &Redactor{opts: opts}
}

// Enabled reports whether the redactor rewrites messages.
func (r *Redactor) Enabled() bool {
	return r.opts.Enabled
}

// Redact scrubs secrets from message. When disabled the message passes through unchanged.
func (r *Redactor) Redact(message string) Result {
	if !r.opts.Enabled || message == "" {
		return Result{Message: message}
	}

	out := message
	total := 0
	var matched []string
	for _, rl := range rules {
		var n int
		out, n = r.apply(rl, out)
		if n > 0 {
			total += n
			matched = append(matched, rl.name)
		}
	}

	return Result{
		Message:        out,
		Redacted:       total > 0,
		RedactionCount: total,
		Rules:          matched,
	}
}

// apply replaces every match of rl in s and returns the new string and the number of
// substitutions made.
func (r *Redactor) apply(rl rule, s string) (string, int) {
	idx := rl.re.FindAllStringSubmatchIndex(s, -1)
	if len(idx) == 0 {
		return s, 0
	}

	var b strings.Builder
	b.Grow(len(s))
	last, count := 0, 0
	for _, m := range idx {
		start, end := m[0], m[1]
		secretStart := start
		if rl.prefixGroup > 0 && m[2*rl.prefixGroup] >= 0 {
			secretStart = m[2*rl.prefixGroup+1]
		}
		// Already scrubbed by an earlier, more specific rule.
		if strings.HasPrefix(s[secretStart:end], r.opts.Replacement) {
			continue
		}
		b.WriteString(s[last:secretStart])
		b.WriteString(r.opts.Replacement)
		last = end
		count++
	}
	if count == 0 {
		return s, 0
	}
	b.WriteString(s[last:])
	return b.String(), count
}
