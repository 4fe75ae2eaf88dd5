package npm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// PackageJSONRaw is the package.json of an installed package as found on disk.
type PackageJSONRaw struct {
	Name       string          `json:"name"`
	Version    string          `json:"version"`
	Type       string          `json:"type"`
	Main       JSONAny         `json:"main"`
	Module     JSONAny         `json:"module"`
	ES2015     JSONAny         `json:"es2015"`
	JsNextMain JSONAny         `json:"jsnext:main"`
	Browser    JSONAny         `json:"browser"`
	Exports    json.RawMessage `json:"exports"`
}

// PackageJSON is the normalized package.json used to resolve package entries.
type PackageJSON struct {
	Name    string
	Version string
	Type    string
	Main    string
	Module  string
	// Browser holds the `browser` field remaps, a false value maps to an empty string.
	Browser map[string]string
	Exports JSONObject
	// Dir is the directory containing the package.json.
	Dir string
}

// ToPackageJSON normalizes the raw package.json.
func (a *PackageJSONRaw) ToPackageJSON() *PackageJSON {
	browser := map[string]string{}
	if a.Browser.Str != "" && isModule(a.Browser.Str) {
		browser["."] = a.Browser.Str
	}
	for k, v := range a.Browser.Map {
		switch v := v.(type) {
		case string:
			browser[k] = v
		case bool:
			if !v {
				browser[k] = ""
			}
		}
	}

	exports := JSONObject{}
	if a.Exports != nil {
		var s string
		if json.Unmarshal(a.Exports, &s) == nil {
			if s != "" {
				exports = NewJSONObject([]string{"."}, map[string]any{".": s})
			}
		} else if err := exports.UnmarshalJSON(a.Exports); err != nil {
			// `exports: ["./index.js"]` and other legacy shapes
			exports = JSONObject{}
		}
	}

	p := &PackageJSON{
		Name:    a.Name,
		Version: a.Version,
		Type:    a.Type,
		Main:    a.Main.MainString(),
		Module:  a.Module.MainString(),
		Browser: browser,
		Exports: exports,
	}

	if p.Module == "" {
		if es2015 := a.ES2015.MainString(); es2015 != "" {
			p.Module = es2015
		} else if jsNextMain := a.JsNextMain.MainString(); jsNextMain != "" {
			p.Module = jsNextMain
		} else if p.Main != "" && (p.Type == "module" || strings.HasSuffix(p.Main, ".mjs")) {
			p.Module = p.Main
		}
	}
	return p
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (a *PackageJSON) UnmarshalJSON(b []byte) error {
	var raw PackageJSONRaw
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*a = *raw.ToPackageJSON()
	return nil
}

// ReadPackageJSON reads the package.json in the directory.
func ReadPackageJSON(dir string) (*PackageJSON, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, err
	}
	var p PackageJSON
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", filepath.Join(dir, "package.json"), err)
	}
	p.Dir = dir
	return &p, nil
}

// JSONObject represents a readonly JSON object with ordered keys.
// The key order of `exports` conditions is significant.
type JSONObject struct {
	keys   []string
	values map[string]any
}

// NewJSONObject creates a new JSONObject with the given keys and values
func NewJSONObject(keys []string, values map[string]any) JSONObject {
	return JSONObject{keys: keys, values: values}
}

// Len returns the length of the JSON object
func (obj *JSONObject) Len() int {
	return len(obj.keys)
}

// Keys returns the keys of the JSON object
func (obj *JSONObject) Keys() []string {
	return obj.keys
}

// Get returns the value of the key in the JSON object
func (obj *JSONObject) Get(key string) (any, bool) {
	v, ok := obj.values[key]
	return v, ok
}

// UnmarshalJSON implements type json.Unmarshaler interface
func (obj *JSONObject) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	t, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expect JSON object open with '{'")
	}
	if err = obj.parse(dec); err != nil {
		return err
	}
	if t, err = dec.Token(); err != io.EOF {
		return fmt.Errorf("expect end of JSON object but got more token: %v", t)
	}
	return nil
}

func (obj *JSONObject) parse(dec *json.Decoder) error {
	if obj.values == nil {
		obj.values = map[string]any{}
	}
	for dec.More() {
		t, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := t.(string)
		if !ok {
			return fmt.Errorf("expecting JSON key should be always a string: %v", t)
		}
		t, err = dec.Token()
		if err != nil {
			return err
		}
		value, err := decodeValue(t, dec)
		if err != nil {
			return err
		}
		obj.keys = append(obj.keys, key)
		obj.values[key] = value
	}
	t, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := t.(json.Delim); !ok || delim != '}' {
		return fmt.Errorf("expect JSON object close with '}'")
	}
	return nil
}

func decodeValue(t json.Token, dec *json.Decoder) (any, error) {
	delim, ok := t.(json.Delim)
	if !ok {
		return t, nil
	}
	switch delim {
	case '{':
		obj := JSONObject{}
		if err := obj.parse(dec); err != nil {
			return nil, err
		}
		return obj, nil
	case '[':
		arr := []any{}
		for dec.More() {
			t, err := dec.Token()
			if err != nil {
				return nil, err
			}
			v, err := decodeValue(t, dec)
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unexpected delimiter: %q", delim)
	}
}

// JSONAny is a package.json field that may be a string or an object.
type JSONAny struct {
	Str string
	Map map[string]any
}

func (a *JSONAny) UnmarshalJSON(b []byte) error {
	var s string
	if json.Unmarshal(b, &s) == nil {
		a.Str = s
		return nil
	}
	var m map[string]any
	if json.Unmarshal(b, &m) == nil {
		a.Map = m
	}
	return nil
}

func (a *JSONAny) MainString() string {
	if a.Str != "" {
		return a.Str
	}
	if v, ok := a.Map["."].(string); ok {
		return v
	}
	return ""
}

// isModule checks if the given string is a module file
func isModule(s string) bool {
	switch path.Ext(s) {
	case ".js", ".ts", ".mjs", ".mts", ".jsx", ".tsx", ".cjs", ".cts":
		return true
	default:
		return false
	}
}
