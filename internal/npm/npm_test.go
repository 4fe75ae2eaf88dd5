package npm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePackageName(t *testing.T) {
	for name, valid := range map[string]bool{
		"react":        true,
		"@vue/shared":  true,
		"lodash.merge": true,
		"":             false,
		"a b":          false,
	} {
		if ValidatePackageName(name) != valid {
			t.Fatalf("ValidatePackageName(%q) should be %v", name, valid)
		}
	}
}

func TestSplitPackagePath(t *testing.T) {
	tests := [][3]string{
		{"react", "react", ""},
		{"react-dom/client", "react-dom", "client"},
		{"@vue/shared", "@vue/shared", ""},
		{"@vue/shared/dist/shared.js", "@vue/shared", "dist/shared.js"},
	}
	for _, test := range tests {
		name, sub := SplitPackagePath(test[0])
		if name != test[1] || sub != test[2] {
			t.Fatalf("SplitPackagePath(%q) = (%q, %q), want (%q, %q)", test[0], name, sub, test[1], test[2])
		}
	}
}

func parse(t *testing.T, raw string) *PackageJSON {
	t.Helper()
	var p PackageJSON
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	return &p
}

func TestResolveEntry(t *testing.T) {
	tests := []struct {
		name    string
		pkg     string
		subPath string
		want    string
		ok      bool
	}{
		{"main", `{"main":"lib/index.js"}`, "", "lib/index.js", true},
		{"module over main", `{"main":"lib/index.js","module":"es/index.js"}`, "", "es/index.js", true},
		{"type module main", `{"type":"module","main":"index.js"}`, "", "index.js", true},
		{"browser string", `{"main":"index.js","browser":"browser.js"}`, "", "browser.js", true},
		{"browser remap", `{"main":"./node.js","browser":{"./node.js":"./browser.js"}}`, "", "./browser.js", true},
		{"default index", `{}`, "", "./index.js", true},
		{"plain subpath", `{"main":"index.js"}`, "fp.js", "./fp.js", true},
		{"exports string", `{"exports":"./dist/index.mjs"}`, "", "./dist/index.mjs", true},
		{"exports conditions", `{"exports":{"require":"./a.cjs","import":"./a.mjs"}}`, "", "./a.mjs", true},
		{"exports key order", `{"exports":{".":{"default":"./d.js","browser":"./b.js"}}}`, "", "./d.js", true},
		{"exports nested", `{"exports":{".":{"node":"./n.js","browser":{"import":"./b.mjs","require":"./b.cjs"}}}}`, "", "./b.mjs", true},
		{"exports subpath", `{"exports":{".":"./i.js","./client":{"import":"./client.mjs"}}}`, "client", "./client.mjs", true},
		{"exports wildcard", `{"exports":{"./*":"./dist/*.js","./utils/*":"./dist/utils/*.mjs"}}`, "utils/a", "./dist/utils/a.mjs", true},
		{"exports fallback array", `{"exports":{".":[{"worker":"./w.js"},"./i.js"]}}`, "", "./i.js", true},
		{"exports not exported", `{"exports":{".":"./i.js"}}`, "internal", "", false},
		{"exports only node", `{"exports":{"node":"./n.js"}}`, "", "", false},
	}
	for _, test := range tests {
		p := parse(t, test.pkg)
		got, ok := p.ResolveEntry(test.subPath, BrowserConditions)
		if got != test.want || ok != test.ok {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", test.name, got, ok, test.want, test.ok)
		}
	}
}

func TestReadPackageJSON(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte(`{"name":"x","version":"1.2.3","exports":{".":{"import":"./x.mjs"}}}`), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := ReadPackageJSON(dir)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "x" || p.Version != "1.2.3" || p.Dir != dir || p.Exports.Len() != 1 {
		t.Fatalf("unexpected package: %+v", p)
	}
	if _, err := ReadPackageJSON(filepath.Join(dir, "missing")); !os.IsNotExist(err) {
		t.Fatalf("expected a not-exist error, got %v", err)
	}
}
