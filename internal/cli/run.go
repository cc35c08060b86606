package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"deepresearch/internal/app"
	"deepresearch/internal/bus"
	"deepresearch/internal/config"
	"deepresearch/internal/session"
)

func newRunCommand(configPath *string) *cobra.Command {
	var (
		depth       string
		language    string
		researchers int
		output      string
	)

	cmd := &cobra.Command{
		Use:   "run \"research question\"",
		Short: "Research a question in the terminal",
		Long: `Run one research session end to end. Progress streams to stderr; the final
report goes to stdout, or to a file with --output. Interrupt once to cancel
gracefully.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			container, err := app.Build(cfg, app.Options{})
			if err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
				defer cancel()
				_ = container.Shutdown(ctx)
			}()

			return runResearch(cmd.Context(), container, session.Seed{
				Question:       args[0],
				Language:       language,
				Depth:          session.Depth(depth),
				MaxResearchers: researchers,
			}, output)
		},
	}

	cmd.Flags().StringVar(&depth, "depth", "", "research depth: shallow, medium or deep (default deep)")
	cmd.Flags().StringVar(&language, "language", "", "report language: en or ko (detected from the question when unset)")
	cmd.Flags().IntVar(&researchers, "researchers", 0, "parallel researcher slots, 1-5 (default 3)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the report to a file instead of stdout")

	return cmd
}

func runResearch(parent context.Context, container *app.Container, seed session.Seed, output string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := container.Engine.Start(ctx, seed)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s %s\n", styleStage.Render("session"), sess.ID)

	sub := container.Bus.Subscribe(sess.ID, bus.DefaultCapacity)
	defer container.Bus.Unsubscribe(sub)

	// An interrupt cancels the session; the drain below still observes its
	// terminal event. Cancel is idempotent once the session has finished.
	go func() {
		<-ctx.Done()
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = container.Engine.Cancel(cancelCtx, sess.ID)
	}()

	for ev := range sub.Events() {
		renderEvent(ev)
	}

	final, err := container.Store.Load(context.Background(), sess.ID)
	if err != nil {
		return err
	}
	if final.Stage != session.StageCompleted {
		if final.LastError != nil {
			return fmt.Errorf("%s: %s", final.LastError.Kind, final.LastError.Message)
		}
		return fmt.Errorf("session ended in stage %s", final.Stage)
	}

	if output != "" {
		if err := os.WriteFile(output, []byte(final.Research.FinalReport+"\n"), 0o644); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s report written to %s\n", styleDone.Render("done:"), output)
		return nil
	}
	fmt.Println(final.Research.FinalReport)
	return nil
}

func renderEvent(ev bus.Event) {
	switch ev.Type {
	case bus.EventComplete:
		fmt.Fprintf(os.Stderr, "%s research complete\n", styleDone.Render("[100%]"))
	case bus.EventError:
		msg := ev.Detail
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", styleError.Render("error:"), msg)
	default:
		fmt.Fprintf(os.Stderr, "%s %s  %s\n",
			styleProgress.Render(fmt.Sprintf("[%3d%%]", ev.Progress)),
			styleStage.Render(string(ev.Stage)),
			styleDetail.Render(ev.Detail))
	}
}
