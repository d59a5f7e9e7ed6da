package blocklist

import "strings"

// Pattern is a static, configuration-driven blocklist: exact hosts and
// "*.suffix"/".suffix" wildcards that always block, regardless of response
// history.
type Pattern struct {
	exact    map[string]struct{}
	suffixes []string
}

// NewPattern builds a Pattern from raw config entries. Returns nil when
// patterns yields nothing usable, so callers can hold a nil *Pattern and
// still call IsBlocked safely.
func NewPattern(patterns []string) *Pattern {
	p := &Pattern{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			p.addSuffix(strings.TrimPrefix(value, "*."))
		case strings.HasPrefix(value, "."):
			p.addSuffix(strings.TrimPrefix(value, "."))
		default:
			p.exact[value] = struct{}{}
		}
	}
	if len(p.exact) == 0 && len(p.suffixes) == 0 {
		return nil
	}
	return p
}

func (p *Pattern) addSuffix(suffix string) {
	if suffix == "" {
		return
	}
	for _, existing := range p.suffixes {
		if existing == suffix {
			return
		}
	}
	p.suffixes = append(p.suffixes, suffix)
}

// IsBlocked reports whether host matches an exact entry or a wildcard
// suffix. A nil Pattern never blocks.
func (p *Pattern) IsBlocked(host string) bool {
	if p == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := p.exact[host]; ok {
		return true
	}
	for _, suffix := range p.suffixes {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}
