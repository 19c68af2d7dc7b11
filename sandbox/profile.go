package sandbox

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/isdmx/execbox/config"
)

// Language constants for the built-in profiles
const (
	LanguageJavaScript = "javascript"
	LanguagePython     = "python"
	LanguageJava       = "java"
	LanguageCPP        = "cpp"
	LanguageC          = "c"
	LanguageGo         = "go"
)

const filePlaceholder = "{file}"

// SourceDir holds submitted source inside the sandbox. It lives outside the
// working directory so a mounted workspace is never written to.
const SourceDir = "/tmp/execbox"

// Profile describes how one language is compiled and run in a sandbox.
type Profile struct {
	ID         string
	Image      string
	SourceFile string
	Command    string
	Env        map[string]string
}

// SourcePath is where the submitted source is written inside the sandbox.
func (p Profile) SourcePath() string {
	return path.Join(SourceDir, p.SourceFile)
}

// RunCommand expands the command template for the profile's source path.
func (p Profile) RunCommand() string {
	return strings.ReplaceAll(p.Command, filePlaceholder, shellQuote(p.SourcePath()))
}

// Argv returns the sandbox entry command. The source arrives on stdin and is
// written to SourcePath before the run command starts, so a failing compile
// step short-circuits execution and its diagnostics become program output.
func (p Profile) Argv() []string {
	script := fmt.Sprintf("mkdir -p %s && cat > %s && %s",
		shellQuote(SourceDir), shellQuote(p.SourcePath()), p.RunCommand())
	return []string{"/bin/sh", "-c", script}
}

// EnvList renders Env as KEY=value pairs in a stable order.
func (p Profile) EnvList() []string {
	keys := make([]string, 0, len(p.Env))
	for k := range p.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+p.Env[k])
	}
	return env
}

// ProfileTable resolves language identifiers to profiles. It is immutable
// after construction and safe for concurrent use.
type ProfileTable struct {
	profiles map[string]Profile
	aliases  map[string]string
}

// NewProfileTable builds the table from the configured languages.
func NewProfileTable(languages map[string]config.Language) (*ProfileTable, error) {
	t := &ProfileTable{
		profiles: make(map[string]Profile, len(languages)),
		aliases:  make(map[string]string),
	}

	for rawID, lang := range languages {
		id := normalizeID(rawID)
		if id == "" {
			return nil, fmt.Errorf("empty language id")
		}
		if _, dup := t.profiles[id]; dup {
			return nil, fmt.Errorf("duplicate language id: %s", id)
		}
		if lang.Image == "" || lang.SourceFile == "" || lang.Command == "" {
			return nil, fmt.Errorf("language %s: image, source_file and command are required", id)
		}
		if path.Base(lang.SourceFile) != lang.SourceFile {
			return nil, fmt.Errorf("language %s: source_file must be a bare file name, got %q", id, lang.SourceFile)
		}

		env := make(map[string]string, len(lang.Environment))
		for k, v := range lang.Environment {
			// viper lower-cases map keys read from files
			env[strings.ToUpper(k)] = v
		}

		t.profiles[id] = Profile{
			ID:         id,
			Image:      lang.Image,
			SourceFile: lang.SourceFile,
			Command:    lang.Command,
			Env:        env,
		}
	}

	for rawID, lang := range languages {
		id := normalizeID(rawID)
		for _, rawAlias := range lang.Aliases {
			alias := normalizeID(rawAlias)
			if _, clash := t.profiles[alias]; clash {
				return nil, fmt.Errorf("alias %s of %s shadows a language id", alias, id)
			}
			if owner, clash := t.aliases[alias]; clash && owner != id {
				return nil, fmt.Errorf("alias %s claimed by both %s and %s", alias, owner, id)
			}
			t.aliases[alias] = id
		}
	}

	return t, nil
}

// Resolve returns the profile for id or a validation error.
func (t *ProfileTable) Resolve(id string) (Profile, error) {
	key := normalizeID(id)
	if key == "" {
		return Profile{}, ValidationError("language is required")
	}
	if p, ok := t.profiles[key]; ok {
		return p, nil
	}
	if target, ok := t.aliases[key]; ok {
		return t.profiles[target], nil
	}
	return Profile{}, ValidationError("unsupported language: %s", id)
}

// IDs returns the canonical language ids in sorted order.
func (t *ProfileTable) IDs() []string {
	ids := make([]string, 0, len(t.profiles))
	for id := range t.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Profiles returns every profile sorted by id.
func (t *ProfileTable) Profiles() []Profile {
	ids := t.IDs()
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.profiles[id])
	}
	return out
}

// Images returns the distinct sandbox images referenced by the table.
func (t *ProfileTable) Images() []string {
	seen := make(map[string]struct{}, len(t.profiles))
	images := make([]string, 0, len(t.profiles))
	for _, p := range t.profiles {
		if _, ok := seen[p.Image]; ok {
			continue
		}
		seen[p.Image] = struct{}{}
		images = append(images, p.Image)
	}
	sort.Strings(images)
	return images
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// shellQuote wraps s in single quotes for /bin/sh.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
