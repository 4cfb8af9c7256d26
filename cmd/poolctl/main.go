// Command poolctl inspects and cleans up containers left behind by the
// engine, for example after a forced exit.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"codexxengine/lang"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/fatih/color"
)

const namePrefix = "codexx-"

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
	bad  = color.New(color.FgRed).SprintFunc()
)

func usage() {
	fmt.Println("Usage: poolctl <command>")
	fmt.Println("  list                   list engine containers")
	fmt.Println("  purge                  force-remove every engine container")
	fmt.Println("  images [instructions]  check that each language image exists")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Println(bad("Error:"), err)
		os.Exit(1)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "list":
		err = list(ctx, cli)
	case "purge":
		err = purge(ctx, cli)
	case "images":
		path := "config/languages.yaml"
		if len(os.Args) > 2 {
			path = os.Args[2]
		}
		err = images(ctx, cli, path, os.Getenv("IMAGE_SUFFIX"))
	default:
		usage()
	}
	if err != nil {
		fmt.Println(bad("Error:"), err)
		os.Exit(1)
	}
}

type engineContainer struct {
	ID    string
	Name  string
	State string
	Kind  string
}

func managed(ctx context.Context, cli *client.Client) ([]engineContainer, error) {
	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", namePrefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var out []engineContainer
	for _, c := range list {
		name, isEngine := engineName(c.Names)
		if !isEngine {
			continue
		}
		out = append(out, engineContainer{ID: c.ID, Name: name, State: c.State, Kind: kindOf(name)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// engineName returns the engine-owned name among docker's names, which
// carry a leading slash.
func engineName(names []string) (string, bool) {
	for _, n := range names {
		n = strings.TrimPrefix(n, "/")
		if strings.HasPrefix(n, namePrefix) {
			return n, true
		}
	}
	return "", false
}

func kindOf(name string) string {
	switch {
	case strings.HasPrefix(name, namePrefix+"prewarm-"):
		return "pooled"
	case strings.HasPrefix(name, namePrefix+"runner-"):
		return "ephemeral"
	}
	return "unknown"
}

func list(ctx context.Context, cli *client.Client) error {
	cs, err := managed(ctx, cli)
	if err != nil {
		return err
	}
	if len(cs) == 0 {
		fmt.Println(ok("No engine containers"))
		return nil
	}
	for _, c := range cs {
		state := warn(c.State)
		if c.State == "running" {
			state = ok(c.State)
		}
		fmt.Printf("%-12s %-10s %-10s %s\n", c.ID[:12], c.Kind, state, c.Name)
	}
	return nil
}

func purge(ctx context.Context, cli *client.Client) error {
	cs, err := managed(ctx, cli)
	if err != nil {
		return err
	}
	failed := 0
	for _, c := range cs {
		if err := cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			fmt.Println(bad("failed"), c.Name, err)
			failed++
			continue
		}
		fmt.Println(ok("removed"), c.Name)
	}
	if failed > 0 {
		return fmt.Errorf("%d containers could not be removed", failed)
	}
	return nil
}

func images(ctx context.Context, cli *client.Client, path, suffix string) error {
	if suffix == "" {
		suffix = "-compile-run"
	}
	table, err := lang.Load(path, "/code")
	if err != nil {
		return err
	}
	missing := 0
	for _, language := range table.Languages() {
		ref := language + suffix
		found, err := cli.ImageList(ctx, image.ListOptions{Filters: filters.NewArgs(filters.Arg("reference", ref))})
		if err != nil {
			return fmt.Errorf("list images: %w", err)
		}
		if len(found) == 0 {
			fmt.Println(bad("missing"), ref)
			missing++
			continue
		}
		fmt.Println(ok("found"), ref)
	}
	if missing > 0 {
		return fmt.Errorf("%d language images missing", missing)
	}
	return nil
}
