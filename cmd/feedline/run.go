package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/abelbrown/feedline/internal/coord"
	"github.com/abelbrown/feedline/internal/logging"
	"github.com/abelbrown/feedline/internal/mirror"
	"github.com/abelbrown/feedline/internal/position"
	"github.com/abelbrown/feedline/internal/timeline"
	"github.com/abelbrown/feedline/internal/ui"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Open the timeline",
	RunE:  runAction,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.RunE = runAction
}

func runAction(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	a.coord.Start(ctx)
	if a.mirror != nil {
		if err := a.mirror.Start(ctx); err != nil {
			logging.Warn("mirror: start failed", "err", err)
		}
	}

	model := ui.NewApp(a.actions(ctx), ui.WithEvents(a.events), ui.WithBands(a.cfg.UI.ShowBands),
		ui.WithRuleStats(func() (int, int64) { return len(a.filter.Rules()), a.filter.EvalErrors() }))
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithReportFocus(), tea.WithContext(ctx))

	unsubState := a.ctrl.Subscribe(func(s position.State) {
		program.Send(ui.StateChanged{State: s})
	})
	unsubBuffer := a.coord.Subscribe(func(s timeline.BufferSnapshot) {
		program.Send(ui.BufferChanged{Snapshot: s})
	})

	_, runErr := program.Run()

	unsubState()
	unsubBuffer()
	cancel()
	a.coord.Wait()

	endCtx, endCancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 5*time.Second)
	a.ctrl.EndSession(endCtx)
	endCancel()

	if a.mirror != nil {
		if err := a.mirror.Stop(); err != nil && !errors.Is(err, mirror.ErrNotStarted) {
			logging.Warn("mirror: stop failed", "err", err)
		}
	}

	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return fmt.Errorf("run ui: %w", runErr)
	}
	return nil
}

// actions maps shell requests onto the controller and coordinator. Every
// command runs off the UI goroutine.
func (a *app) actions(ctx context.Context) ui.Actions {
	return ui.Actions{
		Load: func() tea.Cmd {
			load := func() tea.Msg {
				err := a.ctrl.Load(ctx)
				pos := a.ctrl.State().Position
				if pos.Top {
					a.coord.UpdateScrollState(ui.ScrollState(0))
				} else {
					a.coord.UpdateScrollState(ui.ScrollState(pos.Index))
				}
				a.coord.SetVisible(true)
				return ui.LoadDone{Err: err}
			}
			startup := func() tea.Msg {
				return ui.RefreshDone{Err: a.coord.ManualRefresh(ctx, coord.IntentStartup)}
			}
			return tea.Sequence(load, startup)
		},
		Refresh: func() tea.Cmd {
			return func() tea.Msg {
				return ui.RefreshDone{Err: a.coord.ManualRefresh(ctx, coord.IntentKey)}
			}
		},
		Merge: func() tea.Cmd {
			return func() tea.Msg {
				return ui.Merged{Count: a.coord.MergeBuffer()}
			}
		},
		MarkRead: func(id string) tea.Cmd {
			return func() tea.Msg {
				a.ctrl.MarkRead(id)
				return nil
			}
		},
		ClearUnread: func() tea.Cmd {
			return func() tea.Msg {
				a.ctrl.ClearAllUnread()
				return nil
			}
		},
		Scrolled: func(index int) tea.Cmd {
			return func() tea.Msg {
				a.coord.ScrollBegan()
				a.ctrl.SaveScrollPosition(index, 0)
				a.coord.UpdateScrollState(ui.ScrollState(index))
				a.coord.ScrollEnded()
				return nil
			}
		},
		Focus: func(focused bool) tea.Cmd {
			return func() tea.Msg {
				a.coord.SetVisible(focused)
				if focused {
					a.coord.OnForegrounded()
				}
				return nil
			}
		},
	}
}
