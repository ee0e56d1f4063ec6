package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"tourdebug-mcp-server/internal/agent"
	"tourdebug-mcp-server/internal/panel"
	"tourdebug-mcp-server/internal/protocol"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var (
	pageURL string
	output  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the tour panel for the active tab once",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Show the tour panel and follow the active tour",
	Long: `Show the tour panel and redraw it whenever the active tour record changes.

The record is polled every panel.poll_interval (1s). Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var actCmd = &cobra.Command{
	Use:   "act <action> [tour-id]",
	Short: "Trigger a tour action and show the refreshed panel",
	Long: `Trigger a tour action on the active tab.

Actions:
  ` + strings.Join(actionNames(), "\n  ") + `

showTour and resetTour take the tour id as second argument.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runAct,
}

var pickCmd = &cobra.Command{
	Use:   "pick",
	Short: "Click an element in the browser and print its selectors",
	Args:  cobra.NoArgs,
	RunE:  runPick,
}

var enableDebugCmd = &cobra.Command{
	Use:   "enable-debug",
	Short: "Reload the active tab with ?__posthog_debug=true",
	Args:  cobra.NoArgs,
	RunE:  runEnableDebug,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, watchCmd, actCmd, pickCmd, enableDebugCmd} {
		c.Flags().StringVar(&pageURL, "url", "", "Open this URL in a new tab first (defaults to browser.start_url when no tab is active)")
	}
	for _, c := range []*cobra.Command{statusCmd, actCmd, pickCmd} {
		c.Flags().StringVarP(&output, "output", "o", "", "Output format (json)")
	}
}

func actionNames() []string {
	names := make([]string, len(panel.TourActions))
	for i, a := range panel.TourActions {
		names[i] = string(a)
	}
	return names
}

// parseActArgs validates the act command's arguments.
func parseActArgs(args []string) (protocol.Action, protocol.Payload, error) {
	action := protocol.Action(args[0])
	if !panel.IsTourAction(action) {
		return "", nil, fmt.Errorf("unknown tour action %q (want one of %s)", args[0], strings.Join(actionNames(), ", "))
	}
	if !panel.NeedsTourID(action) {
		if len(args) > 1 {
			return "", nil, fmt.Errorf("%s takes no tour id", action)
		}
		return action, nil, nil
	}
	if len(args) < 2 || args[1] == "" {
		return "", nil, fmt.Errorf("%s needs a tour id", action)
	}
	return action, protocol.Payload{"tourId": args[1]}, nil
}

// withTab loads config, wires the app and makes a tab active before fn.
func withTab(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	ctx := cmd.Context()
	if err := a.ensureTab(ctx, pageURL); err != nil {
		return err
	}
	return fn(ctx, a)
}

func printView(w io.Writer, v panel.View) error {
	if output == "json" {
		raw, err := panel.RenderJSON(v)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	return panel.RenderTerminal(w, v)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	return withTab(cmd, func(ctx context.Context, a *app) error {
		a.panel.Refresh(ctx)
		return printView(os.Stdout, a.panel.View())
	})
}

func runWatch(cmd *cobra.Command, _ []string) error {
	return withTab(cmd, func(ctx context.Context, a *app) error {
		a.panel.Refresh(ctx)

		area, err := pterm.DefaultArea.Start()
		if err != nil {
			return err
		}
		defer func() { _ = area.Stop() }()

		draw := func() {
			var buf bytes.Buffer
			if err := panel.RenderTerminal(&buf, a.panel.View()); err != nil {
				pterm.Error.Println(err)
				return
			}
			area.Update(buf.String())
		}
		draw()
		a.panel.Watch(ctx, a.cfg.Panel.Poll(), func() {
			a.panel.Refresh(ctx)
			draw()
		})
		return nil
	})
}

func runAct(cmd *cobra.Command, args []string) error {
	action, payload, err := parseActArgs(args)
	if err != nil {
		return err
	}
	return withTab(cmd, func(ctx context.Context, a *app) error {
		a.panel.Refresh(ctx)
		resp := a.panel.Do(ctx, action, payload)
		if resp.Failed() {
			if output != "json" {
				pterm.Error.Println(resp.ErrorText())
			}
		} else if output != "json" {
			pterm.Success.Printfln("%s done", action)
		}
		if err := printView(os.Stdout, a.panel.View()); err != nil {
			return err
		}
		if resp.Failed() {
			return errors.New(resp.ErrorText())
		}
		return nil
	})
}

func runPick(cmd *cobra.Command, _ []string) error {
	return withTab(cmd, func(ctx context.Context, a *app) error {
		spinner, _ := pterm.DefaultSpinner.Start("Click an element in the browser (Escape cancels)")
		resp := a.host.SendAction(ctx, protocol.ActionStartPickSelector, nil)
		if resp.Failed() {
			if spinner != nil {
				spinner.Fail(resp.ErrorText())
			}
			return errors.New(resp.ErrorText())
		}

		var pick agent.PickResult
		if err := resp.Decode(&pick); err != nil {
			return fmt.Errorf("decode pick result: %w", err)
		}
		if spinner != nil {
			if pick.Cancelled {
				spinner.Warning("Picker cancelled")
			} else {
				spinner.Success("Element picked")
			}
		}
		if output == "json" {
			_, err := fmt.Fprintln(os.Stdout, string(resp.Data))
			return err
		}
		if pick.Cancelled {
			return nil
		}
		return pterm.DefaultTable.WithData(pterm.TableData{
			{"tag", pick.TagName},
			{"selector", pick.Selector},
			{"unique", pick.UniqueSelector},
		}).Render()
	})
}

func runEnableDebug(cmd *cobra.Command, _ []string) error {
	return withTab(cmd, func(ctx context.Context, a *app) error {
		target, err := a.panel.EnableDebug(ctx)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Reloaded %s", target)
		return nil
	})
}
