package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mcman/internal/registry"
)

const defaultRAMMB = 1024

var versionMinorRe = regexp.MustCompile(`^1\.(\d+)`)

// requiredJava maps a server version to the major Java release it needs.
// Unparsable versions get 17, which covers everything recent.
func requiredJava(version string) string {
	m := versionMinorRe.FindStringSubmatch(version)
	if m == nil {
		return "17"
	}
	minor, _ := strconv.Atoi(m[1])
	switch {
	case minor >= 21:
		return "21"
	case minor >= 17:
		return "17"
	default:
		return "8"
	}
}

// javaPath resolves the java binary for a server version. It prefers a
// version-pinned install under javaRoot and falls back to java on PATH.
func javaPath(javaRoot, version string) string {
	if javaRoot != "" {
		exe := filepath.Join(javaRoot, "openjdk-"+requiredJava(version), "bin", "java")
		if _, err := os.Stat(exe); err == nil {
			return exe
		}
	}
	return "java"
}

// launchCommand resolves the argv that starts the server, deterministic per
// flavor family.
func launchCommand(def registry.Server, dir, javaRoot string) ([]string, error) {
	switch def.Flavor.Family() {
	case registry.FamilyJava:
		jar := "server.jar"
		if _, err := os.Stat(filepath.Join(dir, jar)); err != nil {
			// Fabric/Quilt installers name their launcher jar differently.
			jars, _ := filepath.Glob(filepath.Join(dir, "*.jar"))
			if len(jars) == 0 {
				return nil, fmt.Errorf("no server jar in %s", dir)
			}
			sort.Strings(jars)
			jar = filepath.Base(jars[0])
		}
		ram := def.RAMMB
		if ram <= 0 {
			ram = defaultRAMMB
		}
		return []string{
			javaPath(javaRoot, def.Version),
			fmt.Sprintf("-Xmx%dM", ram),
			fmt.Sprintf("-Xms%dM", ram),
			"-XX:+UseG1GC",
			"-jar", jar, "nogui",
		}, nil
	case registry.FamilyPHP:
		phars, _ := filepath.Glob(filepath.Join(dir, "*.phar"))
		if len(phars) == 0 {
			return nil, fmt.Errorf("no .phar in %s", dir)
		}
		sort.Strings(phars)
		return []string{"php", filepath.Base(phars[0])}, nil
	}
	return nil, errors.New("unknown flavor family")
}

// ensureEULA makes the license-acceptance marker present and accepted before
// launch. Java servers refuse to start without it.
func ensureEULA(dir string) error {
	path := filepath.Join(dir, "eula.txt")
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		return os.WriteFile(path, []byte("eula=true\n"), 0o644)
	}
	content := string(b)
	if strings.Contains(content, "eula=true") {
		return nil
	}
	if strings.Contains(content, "eula=false") {
		return os.WriteFile(path, []byte(strings.ReplaceAll(content, "eula=false", "eula=true")), 0o644)
	}
	return os.WriteFile(path, []byte(content+"eula=true\n"), 0o644)
}

// materializeProperties merges the persisted settings into the runtime's
// server.properties. Recognized keys are overwritten in place, comments and
// unrecognized keys are preserved, and missing keys are appended.
func materializeProperties(dir string, props map[string]string) error {
	if len(props) == 0 {
		return nil
	}
	path := filepath.Join(dir, "server.properties")

	var lines []string
	if b, err := os.ReadFile(path); err == nil {
		lines = strings.Split(strings.TrimRight(string(b), "\n"), "\n")
	} else if !os.IsNotExist(err) {
		return err
	}

	pending := make(map[string]string, len(props))
	for k, v := range props {
		pending[k] = v
	}
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, _, ok := strings.Cut(trimmed, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if v, ok := pending[key]; ok {
			lines[i] = key + "=" + v
			delete(pending, key)
		}
	}
	if len(pending) > 0 {
		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			lines = append(lines, k+"="+pending[k])
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
