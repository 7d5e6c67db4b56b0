package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replkit/replkit/internal/event"
	"github.com/replkit/replkit/internal/session"
)

var runCode string

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute code through a fresh interpreter session",
	Long: `Spawns one interpreter session, executes the given code (from a
file argument or the -e flag), streams intermediate messages to stdout,
and prints the outcome.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code := runCode
		if len(args) == 1 {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			code = string(data)
		}
		if code == "" {
			return fmt.Errorf("nothing to run: pass a file or -e 'code'")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		provider, closeProvider, err := buildProvider(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeProvider()

		bus := event.NewBus()
		defer bus.Close()
		bus.Subscribe(event.StderrLine, func(e event.Event) {
			fmt.Fprintf(os.Stderr, "[interpreter] %v\n", e.Data)
		})

		sess, err := session.New(ctx, cfg, provider, bus)
		if err != nil {
			return err
		}
		defer sess.Close()

		exec, err := sess.RunCode(ctx, code)
		if err != nil {
			return err
		}

		for ev := range exec.Events() {
			switch ev.Kind {
			case session.KindFinal:
				fmt.Println(ev.Text)
			default:
				fmt.Printf("· %s\n", ev.Text)
			}
		}

		outcome, err := exec.Wait(ctx)
		if err != nil {
			return err
		}
		if outcome.Output != "" {
			fmt.Print(outcome.Output)
		}
		if outcome.Failed() {
			return fmt.Errorf("interpreter error:\n%s", *outcome.Error)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runCode, "eval", "e", "", "Code to execute")
}
