// Package htmlscript extracts module scripts from html documents.
package htmlscript

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/html"
)

// Script is a `<script type="module">` element. Inline scripts have an empty Src
// and are numbered by Index in document order.
type Script struct {
	Src     string
	Content string
	Index   int
	Lang    string
}

// IsInline reports whether the script carries its code in the document.
func (s Script) IsInline() bool {
	return s.Src == ""
}

// ModuleScripts returns the module scripts of the html document.
func ModuleScripts(r io.Reader) ([]Script, error) {
	tokenizer := html.NewTokenizer(r)
	scripts := []Script{}
	inline := 0
	var current *Script
	var content bytes.Buffer

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != io.EOF {
				return nil, err
			}
			return scripts, nil
		case html.StartTagToken:
			tagName, moreAttr := tokenizer.TagName()
			if string(tagName) != "script" {
				continue
			}
			attrs := map[string]string{}
			for moreAttr {
				var key, val []byte
				key, val, moreAttr = tokenizer.TagAttr()
				attrs[string(key)] = string(val)
			}
			if attrs["type"] != "module" {
				continue
			}
			current = &Script{Src: attrs["src"], Lang: attrs["lang"], Index: -1}
			content.Reset()
		case html.TextToken:
			if current != nil {
				content.Write(tokenizer.Text())
			}
		case html.EndTagToken:
			tagName, _ := tokenizer.TagName()
			if current == nil || string(tagName) != "script" {
				continue
			}
			if current.Src == "" {
				code := strings.TrimSpace(content.String())
				if code != "" {
					current.Content = code
					current.Index = inline
					inline++
					scripts = append(scripts, *current)
				}
			} else {
				scripts = append(scripts, *current)
			}
			current = nil
		}
	}
}
