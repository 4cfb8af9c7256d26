package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// fakeContainer is a running container as seen by fakeRuntime.
type fakeContainer struct {
	name     string
	language string
	mount    string
	files    map[string]string
	// orphans counts exec'd processes still running after their client
	// was killed.
	orphans int
}

type fakeCall struct {
	args  []string
	stdin string
}

// execFunc simulates a process inside a container. Returning block makes
// the process run until the caller's context is done.
type execFunc func(c *fakeContainer, argv []string, stdin string) (stdout, stderr string, exit int, block bool)

// fakeRuntime simulates the docker CLI in memory and records every call.
type fakeRuntime struct {
	mu         sync.Mutex
	calls      []fakeCall
	containers map[string]*fakeContainer
	removed    map[string]int

	infoExits   []int
	infoBlock   bool
	startupExit int
	startupRuns int
	startFail   map[string]bool
	resetFail   map[string]bool
	copyFail    bool
	exec        execFunc
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		removed:    make(map[string]int),
		startFail:  make(map[string]bool),
		resetFail:  make(map[string]bool),
		exec: func(c *fakeContainer, argv []string, stdin string) (string, string, int, bool) {
			return "", "", 0, false
		},
	}
}

func (f *fakeRuntime) Run(ctx context.Context, c Command) (ProcessResult, error) {
	if err := ctx.Err(); err != nil {
		return ProcessResult{}, err
	}
	stdin := ""
	if c.Stdin != nil {
		b, _ := io.ReadAll(c.Stdin)
		stdin = string(b)
	}

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{args: append([]string{c.Name}, c.Args...), stdin: stdin})
	f.mu.Unlock()

	if c.Name != "docker" {
		return f.startup(c)
	}
	if len(c.Args) == 0 {
		return ProcessResult{ExitCode: 1, Stderr: "no subcommand"}, nil
	}

	switch c.Args[0] {
	case "info":
		return f.info(ctx)
	case "run":
		return f.run(c.Args[1:])
	case "cp":
		return f.cp(c.Args[1], c.Args[2])
	case "exec":
		return f.execIn(ctx, c.Args[1:], stdin, c.Stdout, c.MaxStderr)
	case "stop":
		return ProcessResult{}, nil
	case "rm":
		return f.rm(c.Args[len(c.Args)-1])
	}
	return ProcessResult{ExitCode: 125, Stderr: "unknown command " + c.Args[0]}, nil
}

func (f *fakeRuntime) startup(c Command) (ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.Name == "missing-binary" {
		return ProcessResult{}, errors.New("exec: not found")
	}
	f.startupRuns++
	return ProcessResult{ExitCode: f.startupExit}, nil
}

func (f *fakeRuntime) info(ctx context.Context) (ProcessResult, error) {
	f.mu.Lock()
	block := f.infoBlock
	exit := 0
	if len(f.infoExits) > 0 {
		exit = f.infoExits[0]
		if len(f.infoExits) > 1 {
			f.infoExits = f.infoExits[1:]
		}
	}
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ProcessResult{ExitCode: -1}, nil
	}
	return ProcessResult{ExitCode: exit}, nil
}

func (f *fakeRuntime) run(args []string) (ProcessResult, error) {
	var name, mount, image string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--name":
			name = args[i+1]
			i++
		case "-v":
			mount = strings.SplitN(args[i+1], ":", 2)[0]
			i++
		case "--user":
			i++
		case "-d", "--network=none":
		default:
			if image == "" {
				image = args[i]
			}
		}
	}
	language := strings.TrimSuffix(image, "-compile-run")

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startFail[language] {
		// A failed start still leaves a created container behind.
		f.containers[name] = &fakeContainer{name: name, language: language, files: map[string]string{}}
		return ProcessResult{ExitCode: 125, Stderr: "image not found"}, nil
	}
	if _, exists := f.containers[name]; exists {
		return ProcessResult{ExitCode: 125, Stderr: "name already in use"}, nil
	}
	fc := &fakeContainer{name: name, language: language, mount: mount, files: map[string]string{}}
	if mount != "" {
		entries, _ := os.ReadDir(mount)
		for _, e := range entries {
			b, _ := os.ReadFile(filepath.Join(mount, e.Name()))
			fc.files[e.Name()] = string(b)
		}
	}
	f.containers[name] = fc
	return ProcessResult{}, nil
}

func (f *fakeRuntime) cp(src, dst string) (ProcessResult, error) {
	name := strings.SplitN(dst, ":", 2)[0]
	dir := strings.TrimSuffix(src, "/.")

	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.containers[name]
	if !ok {
		return ProcessResult{ExitCode: 1, Stderr: "no such container"}, nil
	}
	if f.copyFail {
		return ProcessResult{ExitCode: 1, Stderr: "copy failed"}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ProcessResult{ExitCode: 1, Stderr: err.Error()}, nil
	}
	for _, e := range entries {
		b, _ := os.ReadFile(filepath.Join(dir, e.Name()))
		fc.files[e.Name()] = string(b)
	}
	return ProcessResult{}, nil
}

func (f *fakeRuntime) execIn(ctx context.Context, args []string, stdin string, stdout io.Writer, maxStderr int) (ProcessResult, error) {
	if args[0] == "-i" {
		args = args[1:]
	}
	name, argv := args[0], args[1:]

	f.mu.Lock()
	fc, ok := f.containers[name]
	if !ok {
		f.mu.Unlock()
		return ProcessResult{ExitCode: 1, Stderr: "no such container: " + name}, nil
	}
	if argv[0] == "find" {
		defer f.mu.Unlock()
		if f.resetFail[name] {
			return ProcessResult{ExitCode: 1, Stderr: "permission denied"}, nil
		}
		fc.files = map[string]string{}
		return ProcessResult{}, nil
	}
	fn := f.exec
	f.mu.Unlock()

	out, errOut, exit, block := fn(fc, argv, stdin)
	if block {
		f.mu.Lock()
		fc.orphans++
		f.mu.Unlock()
		<-ctx.Done()
		return ProcessResult{ExitCode: -1}, nil
	}
	if stdout != nil {
		io.WriteString(stdout, out)
	}
	stderr := newCappedBuffer(maxStderr)
	io.WriteString(stderr, errOut)
	return ProcessResult{ExitCode: exit, Stderr: stderr.String(), StderrTruncated: stderr.Truncated()}, nil
}

func (f *fakeRuntime) rm(name string) (ProcessResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; !ok {
		return ProcessResult{ExitCode: 1, Stderr: fmt.Sprintf("no such container: %s", name)}, nil
	}
	delete(f.containers, name)
	f.removed[name]++
	return ProcessResult{}, nil
}

func (f *fakeRuntime) running() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.containers))
	for n := range f.containers {
		out = append(out, n)
	}
	return out
}

func (f *fakeRuntime) container(name string) (*fakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	return c, ok
}

func (f *fakeRuntime) countCalls(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if len(c.args) > 1 && c.args[1] == sub {
			n++
		}
	}
	return n
}

func (f *fakeRuntime) callsMatching(pred func(fakeCall) bool) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if pred(c) {
			out = append(out, c)
		}
	}
	return out
}
