package rewrite

import (
	"regexp"
	"strings"
)

// The mediator's built-in statements are matched textually, not through the
// parser: they must be recognisable even when the surrounding proxy hands us
// a statement the downstream database knows nothing about.
var (
	fetchDataRe       = regexp.MustCompile(`(?i)^SELECT\s+md_fetch_data\s*\(\s*'([^']+)'\s*\)\s*;?$`)
	listDataLoadersRe = regexp.MustCompile(`(?i)^SELECT\s+md_list_data_loaders\s*\(\s*\)\s*;?$`)
	removeDataRe      = regexp.MustCompile(`(?i)^SELECT\s+md_remove_data\s*\(\s*'([^']+)'\s*\)\s*;?$`)
	mediatorErrorRe   = regexp.MustCompile(`(?i)^SELECT\s+md_mediator_error\s*\(\s*'((?:[^']|'')*)'\s*\)\s*;?$`)
)

// MatchFetchData recognises SELECT md_fetch_data('<url>'). A statement whose
// argument is not a valid URL is treated as an ordinary statement.
func MatchFetchData(sql string) (string, bool) {
	m := fetchDataRe.FindStringSubmatch(strings.TrimSpace(sql))
	if m == nil || !IsValidURL(m[1]) {
		return "", false
	}
	return m[1], true
}

// MatchListDataLoaders recognises SELECT md_list_data_loaders().
func MatchListDataLoaders(sql string) bool {
	return listDataLoadersRe.MatchString(strings.TrimSpace(sql))
}

// MatchRemoveData recognises SELECT md_remove_data('<url>').
func MatchRemoveData(sql string) (string, bool) {
	m := removeDataRe.FindStringSubmatch(strings.TrimSpace(sql))
	if m == nil || !IsValidURL(m[1]) {
		return "", false
	}
	return m[1], true
}

// MatchMediatorError recognises the SELECT md_mediator_error('<msg>')
// sentinel. The mediator passes it through unchanged; downstream raises.
func MatchMediatorError(sql string) (string, bool) {
	m := mediatorErrorRe.FindStringSubmatch(strings.TrimSpace(sql))
	if m == nil {
		return "", false
	}
	return strings.ReplaceAll(m[1], "''", "'"), true
}
