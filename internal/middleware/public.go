package middleware

import (
	"fmt"
	"net/http"
	"strings"
)

type publicRule struct {
	method string // empty matches any method
	path   string
	prefix bool
}

// PublicPaths is the set of routes that bypass the auth gate.
// Entries read "[METHOD ]/path"; a trailing "/*" matches the path
// itself and everything below it.
type PublicPaths struct {
	rules []publicRule
}

// NewPublicPaths parses configured entries
func NewPublicPaths(entries []string) (*PublicPaths, error) {
	p := &PublicPaths{}
	for _, entry := range entries {
		fields := strings.Fields(entry)
		var rule publicRule
		switch len(fields) {
		case 0:
			continue
		case 1:
			rule.path = fields[0]
		case 2:
			rule.method = strings.ToUpper(fields[0])
			rule.path = fields[1]
		default:
			return nil, fmt.Errorf("invalid public path entry %q", entry)
		}

		if !strings.HasPrefix(rule.path, "/") {
			return nil, fmt.Errorf("public path %q must start with /", rule.path)
		}
		if rule.method != "" && !validMethod(rule.method) {
			return nil, fmt.Errorf("unknown method in public path entry %q", entry)
		}
		if strings.HasSuffix(rule.path, "/*") {
			rule.prefix = true
			rule.path = strings.TrimSuffix(rule.path, "/*")
		}
		p.rules = append(p.rules, rule)
	}
	return p, nil
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

// Match reports whether method and path are public
func (p *PublicPaths) Match(method, path string) bool {
	for _, r := range p.rules {
		if r.method != "" && r.method != method {
			continue
		}
		if r.prefix {
			if path == r.path || strings.HasPrefix(path, r.path+"/") {
				return true
			}
			continue
		}
		if path == r.path {
			return true
		}
	}
	return false
}
