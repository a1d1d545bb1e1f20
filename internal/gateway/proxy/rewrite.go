package proxy

import (
	"strings"
)

// Rule rewrites one service-local path shape to an explicit upstream target.
// Pattern segments starting with a colon (":employeeId") capture the request
// value; the target may reference captured parameters by the same name. A
// trailing "*" segment captures the remainder of the path.
type Rule struct {
	Pattern string
	Target  string
}

// Apply matches path against the rule and returns the rewritten target.
func (r Rule) Apply(path string) (string, bool) {
	patternSegs := splitPath(r.Pattern)
	pathSegs := splitPath(path)

	params := make(map[string]string)
	var rest []string

	for i, seg := range patternSegs {
		if seg == "*" && i == len(patternSegs)-1 {
			if i <= len(pathSegs) {
				rest = pathSegs[i:]
			}
			pathSegs = pathSegs[:min(i, len(pathSegs))]
			patternSegs = patternSegs[:i]
			break
		}
		if i >= len(pathSegs) {
			return "", false
		}
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = pathSegs[i]
			continue
		}
		if seg != pathSegs[i] {
			return "", false
		}
	}
	if rest == nil && len(pathSegs) != len(patternSegs) {
		return "", false
	}

	out := make([]string, 0, len(splitPath(r.Target))+len(rest))
	for _, seg := range splitPath(r.Target) {
		if strings.HasPrefix(seg, ":") {
			value, ok := params[seg[1:]]
			if !ok {
				return "", false
			}
			out = append(out, value)
			continue
		}
		out = append(out, seg)
	}
	out = append(out, rest...)
	return "/" + strings.Join(out, "/"), true
}

// Rewrite maps a service-local path to its upstream path: explicit rules are
// consulted first, then the plain prefix substitution (for example "/auth" to
// "/api", so "/auth/login" is forwarded as "/api/login").
type Rewrite struct {
	From  string
	To    string
	Rules []Rule
}

// Apply produces the upstream path for a service-local path.
func (rw Rewrite) Apply(localPath string) string {
	for _, rule := range rw.Rules {
		if target, ok := rule.Apply(localPath); ok {
			return target
		}
	}

	remainder := localPath
	if rw.From != "" && strings.HasPrefix(localPath, rw.From) {
		remainder = localPath[len(rw.From):]
	}
	if remainder == "" {
		remainder = "/"
	}
	if !strings.HasPrefix(remainder, "/") {
		remainder = "/" + remainder
	}
	target := strings.TrimSuffix(rw.To, "/") + remainder
	if target == "" {
		return "/"
	}
	return target
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
