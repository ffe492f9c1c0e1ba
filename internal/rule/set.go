package rule

import "strings"

// Set is an immutable compiled rule snapshot. Implementations are
// read-only after compilation and safe for concurrent readers without
// locking.
type Set interface {
	// Contains reports whether name matches any rule. Precedence is
	// exact domain, then longest suffix at a label boundary, then
	// keyword substring; the boolean result is the same either way.
	Contains(name string) bool
	// Len returns the number of compiled rules.
	Len() int
}

// Compile builds the default deterministic Set from parsed rules.
func Compile(rules []Rule) Set {
	return compilePlain(rules)
}

// plainSet is the deterministic implementation: hash sets for exact
// and suffix rules plus a keyword slice.
type plainSet struct {
	exact    map[string]struct{}
	suffixes map[string]struct{}
	keywords []string
	total    int
}

func compilePlain(rules []Rule) *plainSet {
	s := &plainSet{
		exact:    make(map[string]struct{}),
		suffixes: make(map[string]struct{}),
	}
	for _, r := range rules {
		switch r.Kind {
		case KindExact:
			s.exact[r.Value] = struct{}{}
		case KindSuffix:
			s.suffixes[r.Value] = struct{}{}
		case KindKeyword:
			s.keywords = append(s.keywords, r.Value)
		}
	}
	s.total = len(s.exact) + len(s.suffixes) + len(s.keywords)
	return s
}

func (s *plainSet) Len() int { return s.total }

func (s *plainSet) Contains(name string) bool {
	name = Normalize(name)
	if name == "" {
		return false
	}
	if _, ok := s.exact[name]; ok {
		return true
	}
	if s.matchSuffix(name) {
		return true
	}
	for _, kw := range s.keywords {
		if strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// matchSuffix checks the name itself and every parent domain obtained
// by dropping leading labels. "a.b.example.com" checks a.b.example.com,
// b.example.com, example.com, com.
func (s *plainSet) matchSuffix(name string) bool {
	for {
		if _, ok := s.suffixes[name]; ok {
			return true
		}
		i := strings.IndexByte(name, '.')
		if i < 0 {
			return false
		}
		name = name[i+1:]
	}
}
