package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vrs-kit/vrs/internal/probe"
	"github.com/vrs-kit/vrs/internal/probe/chrome"
	"github.com/vrs-kit/vrs/internal/session"
)

type page struct {
	name string
	url  string
}

func parsePages(values []string) ([]page, error) {
	pages := make([]page, 0, len(values))
	for _, value := range values {
		name, url, ok := strings.Cut(value, "=")
		name, url = strings.TrimSpace(name), strings.TrimSpace(url)
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid --page %q: want NAME=URL", value)
		}
		pages = append(pages, page{name: name, url: url})
	}
	return pages, nil
}

func newCaptureCommand(a *app) *cobra.Command {
	var (
		flags     sessionFlags
		pageFlags []string
		remoteURL string
		selector  string
		headless  bool
		width     int
		height    int
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "capture --page NAME=URL...",
		Short: "Capture pages with Chrome and submit them as checks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			pages, err := parsePages(pageFlags)
			if err != nil {
				return err
			}
			if len(pages) == 0 {
				return fmt.Errorf("at least one --page is required")
			}

			ctx := cmd.Context()
			source, err := chrome.New(ctx,
				chrome.WithRemoteURL(remoteURL),
				chrome.WithHeadless(headless),
				chrome.WithWindowSize(width, height),
				chrome.WithSelector(selector),
				chrome.WithTimeout(timeout),
				chrome.WithProber(probe.NewProber(probe.WithEnvPostfix(a.cfg.EnvPostfix))),
			)
			if err != nil {
				return fmt.Errorf("start browser: %w", err)
			}
			defer source.Close()

			// The first page must be loaded before the environment is probed.
			if err := source.Navigate(ctx, pages[0].url); err != nil {
				return fmt.Errorf("open %s: %w", pages[0].url, err)
			}

			done, err := runSession(ctx, a, &flags, source, func(ctx context.Context, coordinator *session.Coordinator) error {
				for i, p := range pages {
					if i > 0 {
						if err := source.Navigate(ctx, p.url); err != nil {
							return fmt.Errorf("open %s: %w", p.url, err)
						}
					}
					if _, err := coordinator.SubmitSnapshot(ctx, p.name, source); err != nil {
						return err
					}
				}
				return nil
			})
			return finish(cmd.OutOrStdout(), done, err)
		},
	}

	flags.bind(cmd, a)
	cmd.Flags().StringArrayVar(&pageFlags, "page", nil, "page to capture as NAME=URL, repeatable")
	cmd.Flags().StringVar(&remoteURL, "remote", "", "DevTools websocket URL of a running browser")
	cmd.Flags().StringVar(&selector, "selector", "", "capture only the first element matching this CSS selector")
	cmd.Flags().BoolVar(&headless, "headless", true, "run a launched browser headless")
	cmd.Flags().IntVar(&width, "width", 1366, "launched browser window width")
	cmd.Flags().IntVar(&height, "height", 768, "launched browser window height")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "timeout for each browser action")
	return cmd
}
