package executor

import (
	"io"
	"path"
)

// RuntimeCLI builds the runtime subcommands the engine issues. Binary is
// the container runtime executable, "docker" or "podman".
type RuntimeCLI struct {
	Binary      string
	WorkDir     string
	User        string
	ImageSuffix string
}

func (r RuntimeCLI) Image(language string) string {
	return language + r.ImageSuffix
}

// Start runs an idle container that sleeps forever. A non-empty mountDir
// is bind-mounted as the working directory.
func (r RuntimeCLI) Start(name, language, mountDir string) Command {
	args := []string{"run", "-d", "--name", name}
	if mountDir != "" {
		args = append(args, "-v", mountDir+":"+r.WorkDir)
	}
	if r.User != "" {
		args = append(args, "--user", r.User)
	}
	args = append(args, "--network=none", r.Image(language), "sleep", "infinity")
	return Command{Name: r.Binary, Args: args}
}

// Exec runs argv inside a running container. Stdin is attached when
// non-nil.
func (r RuntimeCLI) Exec(name string, argv []string, stdin io.Reader, stdout io.Writer) Command {
	args := []string{"exec"}
	if stdin != nil {
		args = append(args, "-i")
	}
	args = append(args, name)
	args = append(args, argv...)
	return Command{Name: r.Binary, Args: args, Stdin: stdin, Stdout: stdout}
}

// Copy copies the contents of dir into the container's working directory.
func (r RuntimeCLI) Copy(dir, name string) Command {
	return Command{Name: r.Binary, Args: []string{"cp", dir + "/.", name + ":" + path.Clean(r.WorkDir) + "/"}}
}

// ResetWorkDir empties the working directory without removing it.
func (r RuntimeCLI) ResetWorkDir(name string) Command {
	return r.Exec(name, []string{"find", r.WorkDir, "-mindepth", "1", "-delete"}, nil, nil)
}

func (r RuntimeCLI) Stop(name string) Command {
	return Command{Name: r.Binary, Args: []string{"stop", "-t", "1", name}}
}

func (r RuntimeCLI) Remove(name string) Command {
	return Command{Name: r.Binary, Args: []string{"rm", "-f", name}}
}

func (r RuntimeCLI) Info() Command {
	return Command{Name: r.Binary, Args: []string{"info"}}
}
