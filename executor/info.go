package executor

import (
	"bytes"
	"context"
	"strings"
	"time"

	"codexxengine/lang"

	logrus "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultInfoTimeout = 10 * time.Second

// InfoSource lists languages and their info commands.
type InfoSource interface {
	Languages() []string
	CommandsFor(language, jobID string) (lang.Commands, error)
}

// InfoCache holds each language's compiler or runtime version string. It
// is filled once at startup and read-only afterwards.
type InfoCache struct {
	values map[string]string
}

// LoadInfo runs every language's info command concurrently. A failing
// command leaves that language's info empty.
func LoadInfo(ctx context.Context, runner ProcessRunner, source InfoSource, timeout time.Duration, logger *logrus.Logger) *InfoCache {
	if timeout <= 0 {
		timeout = defaultInfoTimeout
	}
	languages := source.Languages()
	values := make([]string, len(languages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, language := range languages {
		g.Go(func() error {
			cmds, err := source.CommandsFor(language, "")
			if err != nil || len(cmds.Info) == 0 {
				return nil
			}

			qctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			var out bytes.Buffer
			res, err := runner.Run(qctx, Command{Name: cmds.Info[0], Args: cmds.Info[1:], Stdout: &out})
			if err != nil || !res.Success() || qctx.Err() != nil {
				logger.WithFields(logrus.Fields{
					"language":  language,
					"exit_code": res.ExitCode,
					"stderr":    res.Stderr,
				}).WithError(err).Warn("Failed to query compiler info")
				return nil
			}
			values[i] = strings.TrimSpace(out.String())
			return nil
		})
	}
	_ = g.Wait()

	cache := &InfoCache{values: make(map[string]string, len(languages))}
	for i, language := range languages {
		cache.values[language] = values[i]
	}
	return cache
}

// NewInfoCache builds a cache from known values.
func NewInfoCache(values map[string]string) *InfoCache {
	c := &InfoCache{values: make(map[string]string, len(values))}
	for k, v := range values {
		c.values[k] = v
	}
	return c
}

func (c *InfoCache) Get(language string) string {
	if c == nil {
		return ""
	}
	return c.values[language]
}
