package lang

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

// Placeholders accepted in command templates.
const (
	PlaceholderJobID      = "${jobID}"
	PlaceholderSourceFile = "${sourceFile}"
	PlaceholderWorkDir    = "${workDir}"
)

var (
	placeholderRe = regexp.MustCompile(`\$\{[^}]*\}`)
	languageRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
)

// Instruction describes how to build and run one language. Commands are
// argv templates, never shell strings.
type Instruction struct {
	PrewarmCount   int      `yaml:"prewarmCount"`
	SourceFile     string   `yaml:"sourceFile"`
	CompileCommand string   `yaml:"compileCommand"`
	CompileArgs    []string `yaml:"compileArgs"`
	ExecuteCommand string   `yaml:"executeCommand"`
	ExecuteArgs    []string `yaml:"executeArgs"`
	InfoCommand    []string `yaml:"infoCommand"`
}

type file struct {
	Version   float64                `yaml:"version"`
	Languages map[string]Instruction `yaml:"languages"`
}

// Commands is an Instruction with every placeholder substituted for one
// job. Compile is nil when the language has no compile step.
type Commands struct {
	SourceFile string
	Compile    []string
	Execute    []string
	Info       []string
}

// Table is the read-only set of supported languages.
type Table struct {
	version   float64
	workDir   string
	languages map[string]Instruction
	names     []string
}

// Load reads the instruction file at path.
func Load(path, workDir string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read instructions file failed: %w", err)
	}
	return Parse(data, workDir)
}

func Parse(data []byte, workDir string) (*Table, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse instructions file failed: %w", err)
	}
	t, err := New(f.Languages, workDir)
	if err != nil {
		return nil, err
	}
	t.version = f.Version
	return t, nil
}

// New validates languages and builds a Table from them.
func New(languages map[string]Instruction, workDir string) (*Table, error) {
	if len(languages) == 0 {
		return nil, errors.New("no languages configured")
	}
	t := &Table{
		workDir:   workDir,
		languages: make(map[string]Instruction, len(languages)),
	}
	for name, instr := range languages {
		if !languageRe.MatchString(name) {
			return nil, fmt.Errorf("language %q: invalid identifier", name)
		}
		if instr.SourceFile == "" {
			instr.SourceFile = "main." + name
		}
		if err := validate(instr); err != nil {
			return nil, fmt.Errorf("language %q: %w", name, err)
		}
		t.languages[name] = instr
		t.names = append(t.names, name)
	}
	sort.Strings(t.names)
	return t, nil
}

func validate(instr Instruction) error {
	if instr.ExecuteCommand == "" {
		return errors.New("executeCommand is required")
	}
	if instr.PrewarmCount < 0 {
		return errors.New("prewarmCount must not be negative")
	}
	if strings.ContainsAny(instr.SourceFile, `/\`) || strings.Contains(instr.SourceFile, "${") {
		return fmt.Errorf("sourceFile %q must be a plain file name", instr.SourceFile)
	}
	if instr.CompileCommand == "" && len(instr.CompileArgs) > 0 {
		return errors.New("compileArgs given without compileCommand")
	}

	templates := []string{instr.CompileCommand, instr.ExecuteCommand}
	templates = append(templates, instr.CompileArgs...)
	templates = append(templates, instr.ExecuteArgs...)
	for _, tmpl := range templates {
		for _, ph := range placeholderRe.FindAllString(tmpl, -1) {
			switch ph {
			case PlaceholderJobID, PlaceholderSourceFile, PlaceholderWorkDir:
			default:
				return fmt.Errorf("unknown placeholder %s in %q", ph, tmpl)
			}
		}
	}
	return nil
}

func (t *Table) Version() float64 {
	return t.version
}

// Languages returns supported language identifiers in sorted order.
func (t *Table) Languages() []string {
	return append([]string(nil), t.names...)
}

func (t *Table) Supported(language string) bool {
	_, ok := t.languages[language]
	return ok
}

func (t *Table) Lookup(language string) (Instruction, bool) {
	instr, ok := t.languages[language]
	return instr, ok
}

func (t *Table) SourceFile(language string) (string, error) {
	instr, ok := t.languages[language]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}
	return instr.SourceFile, nil
}

// PrewarmCounts maps each language to its configured pre-warm count.
func (t *Table) PrewarmCounts() map[string]int {
	out := make(map[string]int, len(t.languages))
	for name, instr := range t.languages {
		out[name] = instr.PrewarmCount
	}
	return out
}

// CommandsFor substitutes the job's values into each argument separately,
// so a substituted value can never split into extra arguments.
func (t *Table) CommandsFor(language, jobID string) (Commands, error) {
	instr, ok := t.languages[language]
	if !ok {
		return Commands{}, fmt.Errorf("%w: %s", ErrUnsupportedLanguage, language)
	}

	r := strings.NewReplacer(
		PlaceholderJobID, jobID,
		PlaceholderSourceFile, instr.SourceFile,
		PlaceholderWorkDir, t.workDir,
	)
	sub := func(cmd string, args []string) []string {
		out := make([]string, 0, len(args)+1)
		out = append(out, r.Replace(cmd))
		for _, a := range args {
			out = append(out, r.Replace(a))
		}
		return out
	}

	cmds := Commands{
		SourceFile: instr.SourceFile,
		Execute:    sub(instr.ExecuteCommand, instr.ExecuteArgs),
		Info:       append([]string(nil), instr.InfoCommand...),
	}
	if instr.CompileCommand != "" {
		cmds.Compile = sub(instr.CompileCommand, instr.CompileArgs)
	}
	return cmds, nil
}
