// Package constraint gates mutating actions against standing Decision and
// Lesson records. It is a keyword-plus-prohibition-language heuristic, not
// semantic reasoning: false negatives are acceptable, violations carry the
// constraint id and matched text so a human can override via approval.
package constraint

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/fenwick-labs/warden/internal/action"
	"github.com/fenwick-labs/warden/internal/persistence"
)

const (
	maxKeywords       = 10
	matchesPerKeyword = 5
)

// techNamePattern picks out well-known technology and tooling names from
// edit content so a "never use X" lesson can catch a reintroduction of X.
var techNamePattern = regexp.MustCompile(`(?i)\b(jquery|lodash|moment|react|vue|angular|webpack|gulp|grunt|bower|coffeescript|flask|django|express|mongodb|mysql|postgres|postgresql|sqlite|redis|kafka|rabbitmq|docker|kubernetes|terraform|ansible|eval|exec|pickle|md5|sha1|des|rc4|telnet|ftp|curl|wget|npm|pip|yarn|node|python|ruby|perl|bash|powershell)\b`)

// prohibitionPattern flags constraint text that reads as a standing ban.
var prohibitionPattern = regexp.MustCompile(`(?i)\b(banned?|never|do not|don't|avoid|forbidden|prohibited|disallowed|deprecated|removed|must not|security risk|vulnerab)\b`)

// Violation is a matched standing constraint.
type Violation struct {
	ConstraintID int64
	Keyword      string
	Matched      string
}

// Enforcer scans the memory store for Decision/Lesson records that conflict
// with a proposed mutating action.
type Enforcer struct {
	store *persistence.Store
}

func NewEnforcer(store *persistence.Store) *Enforcer {
	return &Enforcer{store: store}
}

// Check returns the first violation found, or nil. Non-mutating actions are
// never checked. A store error is surfaced so the caller fails closed.
func (e *Enforcer) Check(ctx context.Context, act action.Action) (*Violation, error) {
	if !act.Mutating() {
		return nil, nil
	}
	keywords, content := extract(act)
	if len(keywords) == 0 {
		return nil, nil
	}
	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}

	seen := make(map[int64]bool)
	for _, kw := range keywords {
		recs, err := e.store.SearchConstraints(ctx, kw, matchesPerKeyword)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if seen[rec.ID] {
				continue
			}
			seen[rec.ID] = true
			if !prohibitionPattern.MatchString(rec.Text) {
				continue
			}
			// The action must actually mention the keyword the
			// constraint matched on, not just share vocabulary.
			if strings.Contains(content, kw) {
				return &Violation{ConstraintID: rec.ID, Keyword: kw, Matched: rec.Text}, nil
			}
		}
	}
	return nil, nil
}

// extract derives lowercase keywords and the normalized action content the
// keywords must appear in.
func extract(act action.Action) ([]string, string) {
	switch a := act.(type) {
	case action.WriteFile:
		return editKeywords(a.Path, a.Content), strings.ToLower(a.Path + " " + a.Content)
	case action.EditFile:
		body := a.OldText + " " + a.NewText
		return editKeywords(a.Path, body), strings.ToLower(a.Path + " " + body)
	case action.DeletePath:
		return editKeywords(a.Path, ""), strings.ToLower(a.Path)
	case action.Exec:
		return commandKeywords(a.Cmd), strings.ToLower(a.Cmd)
	case action.RunTests:
		return commandKeywords(a.Cmd), strings.ToLower(a.Cmd)
	case action.HTTPRequest:
		host := a.Host()
		if host == "" {
			return nil, ""
		}
		return []string{host}, strings.ToLower(a.URL)
	default:
		return nil, ""
	}
}

// editKeywords is technology names found in the content plus the file's
// base name (extension stripped).
func editKeywords(path, content string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(kw string) {
		kw = strings.ToLower(kw)
		if kw != "" && !seen[kw] {
			seen[kw] = true
			out = append(out, kw)
		}
	}
	for _, m := range techNamePattern.FindAllString(content, -1) {
		add(m)
	}
	if base := filepath.Base(path); base != "." && base != "/" {
		if ext := filepath.Ext(base); ext != "" {
			base = strings.TrimSuffix(base, ext)
		}
		if len(base) > 2 {
			add(base)
		}
	}
	return out
}

// commandKeywords is the executable name plus up to four leading non-flag
// arguments.
func commandKeywords(cmd string) []string {
	fields := strings.Fields(cmd)
	var out []string
	args := 0
	for i, f := range fields {
		if strings.HasPrefix(f, "-") {
			continue
		}
		if i > 0 {
			args++
			if args > 4 {
				break
			}
		}
		kw := strings.ToLower(filepath.Base(f))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
