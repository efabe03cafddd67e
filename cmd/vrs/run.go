package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/session"
)

const defaultConcurrency = 4

type environmentFlags struct {
	capabilities       string
	os                 string
	browserName        string
	browserVersion     string
	browserFullVersion string
	viewport           string
	headless           bool
}

func (f *environmentFlags) bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&f.capabilities, "capabilities", "", "JSON file with WebDriver capabilities to derive the environment from")
	flags.StringVar(&f.os, "os", "", "operating system name")
	flags.StringVar(&f.browserName, "browser", "", "browser name")
	flags.StringVar(&f.browserVersion, "browser-version", "", "browser major version (default: from --browser-full-version)")
	flags.StringVar(&f.browserFullVersion, "browser-full-version", "", "full browser version")
	flags.StringVar(&f.viewport, "viewport", "", "viewport as WIDTHxHEIGHT")
	flags.BoolVar(&f.headless, "headless", false, "mark the browser as headless")
}

// probe resolves the session environment. Capabilities are run through the
// platform rules; explicit flags override individual fields.
func (f *environmentFlags) probe(envPostfix string) (probe.EnvironmentProbe, error) {
	var env probe.Environment
	if path := strings.TrimSpace(f.capabilities); path != "" {
		// #nosec G304 -- path is an explicit CLI argument.
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read capabilities: %w", err)
		}
		raw := map[string]any{}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode capabilities %q: %w", path, err)
		}
		probed, err := probe.NewProber(probe.WithEnvPostfix(envPostfix)).Probe(probe.CapabilitiesFromMap(raw))
		if err != nil {
			return nil, fmt.Errorf("derive environment from %q: %w", path, err)
		}
		env = probed
	}

	override := probe.Environment{
		OS:                 f.os,
		BrowserName:        f.browserName,
		BrowserVersion:     f.browserVersion,
		BrowserFullVersion: f.browserFullVersion,
		Viewport:           f.viewport,
	}
	if override.OS != "" {
		override.OS = probe.TransformOS(override.OS)
		if postfix := strings.TrimSpace(envPostfix); postfix != "" {
			override.OS = f.os + "_" + postfix
		}
	}
	if override.BrowserVersion == "" && override.BrowserFullVersion != "" {
		override.BrowserVersion = probe.MajorVersion(override.BrowserFullVersion)
	}
	if override.BrowserName != "" && f.headless {
		override.BrowserName += " [HEADLESS]"
	}
	return probe.Static(env.Merge(override)), nil
}

func newRunCommand(a *app) *cobra.Command {
	var (
		flags       sessionFlags
		envFlags    environmentFlags
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE...",
		Short: "Open a session, submit each image as a check and report the verdict",
		Long: "Open a session, submit each image file as a check named after the file, " +
			"wait for the comparison results and report the session verdict. " +
			"Exits non-zero when the verdict is Failed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := envFlags.probe(a.cfg.EnvPostfix)
			if err != nil {
				return err
			}
			done, err := runSession(cmd.Context(), a, &flags, env, func(ctx context.Context, coordinator *session.Coordinator) error {
				return submitImages(ctx, coordinator, args, concurrency)
			})
			return finish(cmd.OutOrStdout(), done, err)
		},
	}

	flags.bind(cmd, a)
	envFlags.bind(cmd)
	cmd.Flags().IntVar(&concurrency, "concurrency", defaultConcurrency, "checks submitted in parallel")
	return cmd
}

// submitImages submits every file and keeps going after individual failures.
func submitImages(ctx context.Context, coordinator *session.Coordinator, paths []string, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	var group errgroup.Group
	group.SetLimit(concurrency)

	failures := make([]error, len(paths))
	for i, path := range paths {
		i, path := i, path
		group.Go(func() error {
			// #nosec G304 -- paths are explicit CLI arguments.
			image, err := os.ReadFile(path)
			if err != nil {
				failures[i] = fmt.Errorf("read %s: %w", path, err)
				return nil
			}
			if _, err := coordinator.SubmitCheck(ctx, session.CheckParams{
				Name:  checkName(path),
				Image: image,
			}); err != nil {
				failures[i] = err
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	var errs *multierror.Error
	for _, failure := range failures {
		if failure != nil {
			errs = multierror.Append(errs, failure)
		}
	}
	return errs.ErrorOrNil()
}

func checkName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
