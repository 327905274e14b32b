package apply

import (
	"regexp"
	"strings"
)

// importFallback matches import statements anywhere in the file, used when
// the line scanner finds nothing but imports are clearly present.
var importFallback = regexp.MustCompile(`(?m)^\s*(?:import|from)\s+([A-Za-z_][\w.]*)`)

// pythonImports returns the top-level module of every import statement in
// a Python source file, in order of first appearance. Relative imports
// are skipped. When the structured scan finds nothing, a regex fallback
// covers files with unusual formatting.
func pythonImports(content string) []string {
	var modules []string
	seen := map[string]bool{}
	add := func(module string) {
		module = topLevelModule(module)
		if module == "" || seen[module] {
			return
		}
		seen[module] = true
		modules = append(modules, module)
	}

	for _, line := range strings.Split(content, "\n") {
		// Only module-level statements count; indented imports are local.
		if line != strings.TrimLeft(line, " \t") {
			continue
		}
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "import "):
			for _, part := range strings.Split(strings.TrimPrefix(line, "import "), ",") {
				part = strings.TrimSpace(part)
				if idx := strings.Index(part, " as "); idx >= 0 {
					part = part[:idx]
				}
				add(part)
			}
		case strings.HasPrefix(line, "from "):
			rest := strings.TrimPrefix(line, "from ")
			if idx := strings.Index(rest, " import"); idx >= 0 {
				add(strings.TrimSpace(rest[:idx]))
			}
		}
	}

	if len(modules) == 0 {
		for _, match := range importFallback.FindAllStringSubmatch(content, -1) {
			add(match[1])
		}
	}
	return modules
}

// topLevelModule reduces a dotted module path to its first segment and
// rejects relative imports and anything that is not an identifier.
func topLevelModule(module string) string {
	if module == "" || strings.HasPrefix(module, ".") {
		return ""
	}
	if idx := strings.IndexByte(module, '.'); idx >= 0 {
		module = module[:idx]
	}
	for i, r := range module {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return ""
	}
	return module
}

// pythonStdlib lists the top-level standard-library modules that must
// never be added to requirements.txt.
var pythonStdlib = map[string]bool{
	"__future__": true, "abc": true, "argparse": true, "array": true,
	"ast": true, "asyncio": true, "base64": true, "bisect": true,
	"builtins": true, "calendar": true, "cmd": true, "codecs": true,
	"collections": true, "concurrent": true, "configparser": true,
	"contextlib": true, "copy": true, "csv": true, "ctypes": true,
	"dataclasses": true, "datetime": true, "decimal": true,
	"difflib": true, "doctest": true, "email": true, "enum": true,
	"errno": true, "filecmp": true, "fileinput": true, "fnmatch": true,
	"fractions": true, "functools": true, "gc": true, "getopt": true,
	"getpass": true, "glob": true, "gzip": true, "hashlib": true,
	"heapq": true, "hmac": true, "html": true, "http": true,
	"importlib": true, "inspect": true, "io": true, "ipaddress": true,
	"itertools": true, "json": true, "keyword": true, "locale": true,
	"logging": true, "math": true, "mimetypes": true,
	"multiprocessing": true, "numbers": true, "operator": true,
	"os": true, "pathlib": true, "pickle": true, "platform": true,
	"pprint": true, "pty": true, "pwd": true, "queue": true,
	"random": true, "re": true, "readline": true, "resource": true,
	"runpy": true, "sched": true, "secrets": true, "select": true,
	"shelve": true, "shlex": true, "shutil": true, "signal": true,
	"site": true, "socket": true, "sqlite3": true, "ssl": true,
	"stat": true, "statistics": true, "string": true, "struct": true,
	"subprocess": true, "sys": true, "sysconfig": true, "tarfile": true,
	"tempfile": true, "textwrap": true, "threading": true, "time": true,
	"timeit": true, "token": true, "tokenize": true, "traceback": true,
	"types": true, "typing": true, "unicodedata": true, "unittest": true,
	"urllib": true, "uuid": true, "venv": true, "warnings": true,
	"weakref": true, "webbrowser": true, "xml": true, "xmlrpc": true,
	"zipfile": true, "zlib": true, "zoneinfo": true,
}
