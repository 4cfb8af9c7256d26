package executor

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"testing"
	"time"

	"codexxengine/internal/staging"
	"codexxengine/lang"
	appErr "codexxengine/pkg/errors"
)

// simulate is a tiny interpreter for the fake runtime. The staged source
// names a behaviour instead of holding real code.
func simulate(c *fakeContainer, argv []string, stdin string) (string, string, int, bool) {
	if argv[0] == "g++" {
		src := c.files["main.cpp"]
		if strings.Contains(src, "syntax error") {
			return "", "main.cpp:1:1: error: expected unqualified-id", 1, false
		}
		if strings.Contains(src, "compile forever") {
			return "", "", 0, true
		}
		c.files[path.Base(argv[2])] = src
		return "", "", 0, false
	}

	var src string
	switch argv[0] {
	case "python3":
		src = c.files[path.Base(argv[1])]
	default:
		bin, ok := c.files[path.Base(argv[0])]
		if !ok {
			return "", "exec: no such file", 127, false
		}
		src = bin
	}

	switch {
	case src == "echo":
		return stdin, "", 0, false
	case src == "sleep":
		return "", "", 0, true
	case src == "crlf":
		return "a\r\nb \n", "", 0, false
	case src == "crash-on-CRASH":
		if strings.TrimSpace(stdin) == "CRASH" {
			return "", "Traceback: boom", 1, false
		}
		return stdin, "", 0, false
	case src == "exit 3":
		return "", "", 3, false
	case src == "big":
		return strings.Repeat("y", 100), "", 0, false
	case src == "bigerr":
		return "", strings.Repeat("e", 100), 1, false
	case strings.HasPrefix(src, "write "):
		c.files[strings.TrimPrefix(src, "write ")] = "data"
		fallthrough
	case src == "ls":
		names := make([]string, 0, len(c.files))
		for n := range c.files {
			names = append(names, n)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), "", 0, false
	}
	return "", "unknown program", 2, false
}

type harness struct {
	rt      *fakeRuntime
	pool    *ContainerPool
	stager  *staging.Stager
	cleanup *CleanupSupervisor
	engine  *Engine
}

func newHarness(t *testing.T, prewarm map[string]int, cfg EngineConfig) *harness {
	t.Helper()
	rt := newFakeRuntime()
	rt.exec = simulate

	table, err := lang.New(map[string]lang.Instruction{
		"py": {
			ExecuteCommand: "python3",
			ExecuteArgs:    []string{"${workDir}/${sourceFile}"},
		},
		"cpp": {
			CompileCommand: "g++",
			CompileArgs:    []string{"-o", "${workDir}/${jobID}", "${workDir}/${sourceFile}"},
			ExecuteCommand: "${workDir}/${jobID}",
		},
	}, "/code")
	if err != nil {
		t.Fatalf("lang.New() error = %v", err)
	}
	stager, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatalf("staging.New() error = %v", err)
	}

	pool := NewContainerPool(rt, testCLI(), testLogger())
	pool.Initialize(context.Background(), prewarm)
	cleanup := NewCleanupSupervisor(testLogger(), 5*time.Second)

	if cfg.JobTimeout == 0 {
		cfg.JobTimeout = 5 * time.Second
	}
	if cfg.MaxCodeLength == 0 {
		cfg.MaxCodeLength = 1000
	}
	info := NewInfoCache(map[string]string{"py": "Python 3.12.1", "cpp": "g++ 13.2"})
	engine := NewEngine(rt, testCLI(), pool, table, stager, info, cleanup, cfg, testLogger())

	h := &harness{rt: rt, pool: pool, stager: stager, cleanup: cleanup, engine: engine}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cleanup.Wait(ctx)
		pool.Drain(ctx)
	})
	return h
}

func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.cleanup.Wait(ctx); err != nil {
		t.Fatalf("cleanup did not finish: %v", err)
	}
}

func (h *harness) stagedDirs(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(h.stager.Root())
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	return len(entries)
}

func (h *harness) executions() []fakeCall {
	return h.rt.callsMatching(func(c fakeCall) bool {
		return len(c.args) > 2 && c.args[1] == "exec" && c.args[2] == "-i"
	})
}

func strPtr(s string) *string { return &s }

func TestEnginePooledAndEphemeralAgree(t *testing.T) {
	for _, code := range []string{"crlf", "echo"} {
		pooled := newHarness(t, map[string]int{"py": 1}, EngineConfig{})
		ephemeral := newHarness(t, nil, EngineConfig{})
		job := Job{Language: "py", Code: code, Input: "hello  "}

		a, err := pooled.engine.Run(context.Background(), job)
		if err != nil {
			t.Fatalf("pooled Run() error = %v", err)
		}
		b, err := ephemeral.engine.Run(context.Background(), job)
		if err != nil {
			t.Fatalf("ephemeral Run() error = %v", err)
		}
		if Normalize(*a.Output) != Normalize(*b.Output) {
			t.Fatalf("%s: pooled %q != ephemeral %q", code, *a.Output, *b.Output)
		}

		if pooled.rt.countCalls("cp") != 1 {
			t.Fatal("pooled path should copy code into the container")
		}
		starts := ephemeral.rt.callsMatching(func(c fakeCall) bool { return c.args[1] == "run" })
		if len(starts) != 1 || !strings.Contains(strings.Join(starts[0].args, " "), "-v "+ephemeral.stager.Root()) {
			t.Fatalf("ephemeral path should bind mount the job dir, got %v", starts)
		}
	}
}

func TestEngineSingleInputMode(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})

	out, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "echo", Input: "42"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Output == nil || *out.Output != "42\n" {
		t.Fatalf("Output = %v, want 42 plus newline", out.Output)
	}
	if out.Error != "" || out.TestResults != nil {
		t.Fatalf("unexpected error/test results: %+v", out)
	}
	if out.Info != "Python 3.12.1" || out.Language != "py" {
		t.Fatalf("Info/Language = %q/%q", out.Info, out.Language)
	}

	h.engine.Run(context.Background(), Job{Language: "py", Code: "echo"})
	execs := h.executions()
	if execs[0].stdin != "42\n" || execs[1].stdin != "" {
		t.Fatalf("stdin = %q, %q; empty input must not get a newline", execs[0].stdin, execs[1].stdin)
	}
}

func TestEngineRuntimeErrorIsAResult(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	out, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "exit 3"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Error != "Process exited with code 3" {
		t.Fatalf("Error = %q", out.Error)
	}
	if out.Kind() != "runtime_error" {
		t.Fatalf("Kind() = %q", out.Kind())
	}
}

func TestEngineReleasedContainerIsEmpty(t *testing.T) {
	h := newHarness(t, map[string]int{"py": 1}, EngineConfig{})

	a, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "write x"})
	if err != nil {
		t.Fatalf("job A Run() error = %v", err)
	}
	if !strings.Contains(*a.Output, "x") {
		t.Fatalf("job A should see its own file, got %q", *a.Output)
	}
	<-a.CleanupDone

	b, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "ls"})
	if err != nil {
		t.Fatalf("job B Run() error = %v", err)
	}
	if *b.Output != "main.py" {
		t.Fatalf("job B sees %q, want only its own source", *b.Output)
	}
	if got := h.rt.countCalls("run"); got != 1 {
		t.Fatalf("both jobs should reuse the pooled container, got %d starts", got)
	}
}

func TestEngineTestModeStopsAtFirstCrash(t *testing.T) {
	h := newHarness(t, map[string]int{"py": 1}, EngineConfig{})

	out, err := h.engine.Run(context.Background(), Job{
		Language: "py",
		Code:     "crash-on-CRASH",
		Tests: []TestCase{
			{Input: "1", Output: strPtr("1")},
			{Input: "CRASH"},
			{Input: "2", Output: strPtr("2")},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(out.TestResults) != 1 || !out.TestResults[0].Passed || out.TestResults[0].Output != "1" {
		t.Fatalf("TestResults = %+v, want one passing result", out.TestResults)
	}
	if out.Error != "Traceback: boom" {
		t.Fatalf("Error = %q", out.Error)
	}
	if n := len(h.executions()); n != 2 {
		t.Fatalf("executions = %d, the third test must never run", n)
	}
}

func TestEngineTestModeMismatchContinues(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})

	out, err := h.engine.Run(context.Background(), Job{
		Language: "py",
		Code:     "echo",
		Tests: []TestCase{
			{Input: "1", Output: strPtr("2")},
			{Input: "a", Output: strPtr("a\r\n\n")},
			{Input: "free"},
		},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []TestResult{{Output: "1", Passed: false}, {Output: "a", Passed: true}, {Output: "free", Passed: true}}
	if len(out.TestResults) != len(want) {
		t.Fatalf("TestResults = %+v", out.TestResults)
	}
	for i := range want {
		if out.TestResults[i] != want[i] {
			t.Fatalf("TestResults[%d] = %+v, want %+v", i, out.TestResults[i], want[i])
		}
	}
	if out.Error != "" {
		t.Fatalf("a wrong answer is not an error, got %q", out.Error)
	}
}

func TestEngineCompileError(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})

	out, err := h.engine.Run(context.Background(), Job{Language: "cpp", Code: "syntax error", Input: "1"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.Error, "expected unqualified-id") {
		t.Fatalf("Error = %q", out.Error)
	}
	if out.Output != nil || out.TestResults != nil {
		t.Fatalf("compile error must carry no output, got %+v", out)
	}
	if len(h.executions()) != 0 {
		t.Fatal("nothing should execute after a compile error")
	}
	<-out.CleanupDone
	if left := h.rt.running(); len(left) != 0 {
		t.Fatalf("ephemeral container left behind: %v", left)
	}
	if h.stagedDirs(t) != 0 {
		t.Fatal("staged files left behind")
	}
}

func TestEngineCompiledLanguage(t *testing.T) {
	h := newHarness(t, map[string]int{"cpp": 1}, EngineConfig{})

	out, err := h.engine.Run(context.Background(), Job{Language: "cpp", Code: "echo", Input: "7"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if *out.Output != "7\n" || out.Error != "" {
		t.Fatalf("Output/Error = %q/%q", *out.Output, out.Error)
	}
	compiles := h.rt.callsMatching(func(c fakeCall) bool { return len(c.args) > 3 && c.args[3] == "g++" })
	if len(compiles) != 1 {
		t.Fatalf("compile calls = %v", compiles)
	}
	if want := "/code/" + out.JobID; compiles[0].args[5] != want {
		t.Fatalf("compile output = %q, want %q", compiles[0].args[5], want)
	}
}

func TestEngineTimeoutKillsAndDiscards(t *testing.T) {
	for _, tc := range []struct {
		name    string
		prewarm map[string]int
	}{
		{"pooled", map[string]int{"py": 1}},
		{"ephemeral", nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.prewarm, EngineConfig{JobTimeout: 100 * time.Millisecond})
			var container string
			if tc.prewarm != nil {
				container = h.pool.Idle("py")[0]
			}

			start := time.Now()
			_, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "sleep"})
			if elapsed := time.Since(start); elapsed > 2*time.Second {
				t.Fatalf("timeout took %v", elapsed)
			}
			if !appErr.Is(err, appErr.TimeLimitExceeded) {
				t.Fatalf("Run() error = %v, want TimeLimitExceeded", err)
			}
			if appErr.GetCode(err).HTTPStatus() != 408 {
				t.Fatal("timeouts must map to 408")
			}
			if !strings.Contains(err.Error(), "took too long") {
				t.Fatalf("message = %q", err.Error())
			}

			h.settle(t)
			if container == "" {
				if left := h.rt.running(); len(left) != 0 {
					t.Fatalf("ephemeral container left behind: %v", left)
				}
			} else if _, ok := h.rt.container(container); ok {
				t.Fatalf("container %s still holds the killed process", container)
			}
			if h.stagedDirs(t) != 0 {
				t.Fatal("staged files left behind")
			}
		})
	}
}

func TestEngineCompileTimeout(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{JobTimeout: 100 * time.Millisecond})
	_, err := h.engine.Run(context.Background(), Job{Language: "cpp", Code: "compile forever"})
	if !appErr.Is(err, appErr.TimeLimitExceeded) {
		t.Fatalf("Run() error = %v, want TimeLimitExceeded", err)
	}
}

func TestEngineUnsupportedLanguageTouchesNothing(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})

	_, err := h.engine.Run(context.Background(), Job{Language: "cobol", Code: "DISPLAY 'HI'."})
	if !appErr.Is(err, appErr.LanguageNotSupported) {
		t.Fatalf("Run() error = %v, want LanguageNotSupported", err)
	}
	if appErr.GetCode(err).HTTPStatus() != 400 {
		t.Fatal("unsupported language must be a 400")
	}
	if n := len(h.rt.callsMatching(func(fakeCall) bool { return true })); n != 0 {
		t.Fatalf("runtime was called %d times", n)
	}
	if h.stagedDirs(t) != 0 {
		t.Fatal("no file may be staged for a rejected request")
	}

	if _, err := h.engine.Run(context.Background(), Job{Language: "py"}); !appErr.Is(err, appErr.EmptyCode) {
		t.Fatalf("empty code error = %v", err)
	}
}

func TestEngineEphemeralStartFailure(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{})
	h.rt.startFail["py"] = true

	_, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "echo"})
	if !appErr.Is(err, appErr.ContainerStartFail) {
		t.Fatalf("Run() error = %v, want ContainerStartFail", err)
	}
	if !appErr.GetCode(err).IsInfrastructure() {
		t.Fatal("start failure must be an infrastructure error")
	}
	h.settle(t)
	if left := h.rt.running(); len(left) != 0 {
		t.Fatalf("created container left behind: %v", left)
	}
	if h.rt.countCalls("stop") != 0 {
		t.Fatal("a container that never started needs no stop")
	}
	if h.stagedDirs(t) != 0 {
		t.Fatal("staged files left behind")
	}
}

func TestEngineCopyFailureDiscardsContainer(t *testing.T) {
	h := newHarness(t, map[string]int{"py": 1}, EngineConfig{})
	name := h.pool.Idle("py")[0]
	h.rt.copyFail = true

	_, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "echo"})
	if !appErr.Is(err, appErr.ContainerCopyFail) {
		t.Fatalf("Run() error = %v, want ContainerCopyFail", err)
	}
	h.settle(t)
	if _, ok := h.rt.container(name); ok {
		t.Fatal("container with a failed copy must not be reused")
	}
}

func TestEngineCapsOutput(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{MaxOutputBytes: 10})
	out, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "big"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(*out.Output) != 10 || !out.Truncated {
		t.Fatalf("Output len = %d, Truncated = %v", len(*out.Output), out.Truncated)
	}
}

func TestEngineCapsStderr(t *testing.T) {
	h := newHarness(t, nil, EngineConfig{MaxOutputBytes: 10})
	out, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "bigerr"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Error != strings.Repeat("e", 10) || !out.Truncated {
		t.Fatalf("Error = %q, Truncated = %v", out.Error, out.Truncated)
	}
}

func TestEngineConcurrentJobsNeverShareAContainer(t *testing.T) {
	h := newHarness(t, map[string]int{"py": 2}, EngineConfig{})

	const jobs = 8
	errs := make(chan error, jobs)
	for i := 0; i < jobs; i++ {
		go func() {
			out, err := h.engine.Run(context.Background(), Job{Language: "py", Code: "ls"})
			if err == nil && *out.Output != "main.py" {
				err = appErr.Newf(appErr.InternalServerError, "job saw foreign files: %q", *out.Output)
			}
			errs <- err
		}()
	}
	for i := 0; i < jobs; i++ {
		if err := <-errs; err != nil {
			t.Fatal(err)
		}
	}
	h.settle(t)
	if got := len(h.pool.Idle("py")); got != 2 {
		t.Fatalf("idle after load = %d, want 2", got)
	}
}
