package graph

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	regexpTimestampQuery    = regexp.MustCompile(`\bt=\d{13}&?\b`)
	regexpImportQuery       = regexp.MustCompile(`(\?|&)import=?(?:&|$)`)
	regexpDirectQuery       = regexp.MustCompile(`(\?|&)direct=?(?:&|$)`)
	regexpTrailingSeparator = regexp.MustCompile(`[?&]$`)
	regexpCSSLang           = regexp.MustCompile(`\.(css|less|sass|scss|styl|stylus|pcss|postcss|sss)(?:$|\?)`)
	regexpJSLang            = regexp.MustCompile(`\.((j|t)sx?|m[jt]s|vue|svelte)($|\?)`)
	regexpHTMLProxy         = regexp.MustCompile(`(\?|&)html-proxy\b`)
	regexpSkipAnalysis      = regexp.MustCompile(`\.(map|json)(?:$|\?)`)
)

// CleanURL strips the query and the hash of the given url.
func CleanURL(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}

// NormalizePath cleans the file path and converts it to forward slashes.
func NormalizePath(p string) string {
	return path.Clean(filepath.ToSlash(p))
}

// SplitQuery splits the url into the pathname and the raw query (including the leading '?').
func SplitQuery(url string) (pathname string, query string) {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i], url[i:]
	}
	return url, ""
}

// RemoveTimestampQuery removes the `t=<ms>` query added by HMR updates.
func RemoveTimestampQuery(url string) string {
	return regexpTrailingSeparator.ReplaceAllString(regexpTimestampQuery.ReplaceAllString(url, ""), "")
}

// RemoveImportQuery removes the `import` query added to explicit imports of non-js assets.
func RemoveImportQuery(url string) string {
	return regexpTrailingSeparator.ReplaceAllString(regexpImportQuery.ReplaceAllString(url, "$1"), "")
}

// RemoveDirectQuery removes the `direct` query marking a css request from a link tag.
func RemoveDirectQuery(url string) string {
	return regexpTrailingSeparator.ReplaceAllString(regexpDirectQuery.ReplaceAllString(url, "$1"), "")
}

// InjectQuery prepends the query to the existing query of the url.
func InjectQuery(url string, query string) string {
	pathname, search := SplitQuery(url)
	hash := ""
	if i := strings.IndexByte(search, '#'); i >= 0 {
		search, hash = search[:i], search[i:]
	} else if i := strings.IndexByte(pathname, '#'); i >= 0 {
		pathname, hash = pathname[:i], pathname[i:]
	}
	if search != "" {
		return pathname + "?" + query + "&" + search[1:] + hash
	}
	return pathname + "?" + query + hash
}

// IsCSSRequest reports whether the url points to a stylesheet.
func IsCSSRequest(url string) bool {
	return regexpCSSLang.MatchString(url)
}

// IsDirectCSSRequest reports whether the url is a stylesheet requested by a link tag.
func IsDirectCSSRequest(url string) bool {
	return IsCSSRequest(url) && regexpDirectQuery.MatchString(url)
}

// IsJSRequest reports whether the url is served as a javascript module.
func IsJSRequest(url string) bool {
	url = CleanURL(url)
	if regexpJSLang.MatchString(url) {
		return true
	}
	return path.Ext(url) == "" && !strings.HasSuffix(url, "/")
}

// IsImportRequest reports whether the url carries the `import` query.
func IsImportRequest(url string) bool {
	return regexpImportQuery.MatchString(url)
}

// IsHTMLProxy reports whether the url refers to an inline module script of a html file.
func IsHTMLProxy(url string) bool {
	return regexpHTMLProxy.MatchString(url)
}

// CanSkipImportAnalysis reports whether the module at the url never contains imports to analyze.
func CanSkipImportAnalysis(url string) bool {
	return regexpSkipAnalysis.MatchString(url) || IsDirectCSSRequest(url)
}

// IsExplicitImportRequired reports whether importing the url from javascript needs the `import` query.
func IsExplicitImportRequired(url string) bool {
	return !IsJSRequest(url) && !IsCSSRequest(url)
}
