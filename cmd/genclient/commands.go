// cmd/genclient/commands.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"generation-job-service/internal/client/apiclient"
	"generation-job-service/internal/client/engine"
	"generation-job-service/internal/entity"
)

var (
	sourceRef   string
	instruction string
	noWait      bool
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a generation job and follow it",
	Example: `  genclient submit --user u1 --source file:///photos/cat.jpg --instruction "oil painting"
  genclient submit --category video_generation --source s3://bucket/clip.mp4 --no-wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		jobID, err := submitJob(ctx, e, entity.InputDescriptor{SourceRef: sourceRef, Instruction: instruction})
		if err != nil {
			switch {
			case errors.Is(err, entity.ErrJobInProgress):
				return fmt.Errorf("a job is already running, use 'genclient watch' or 'genclient cancel'")
			case errors.Is(err, entity.ErrLimitExceeded):
				return fmt.Errorf("usage limit reached for this period")
			case errors.Is(err, entity.ErrNetworkUnavailable):
				return fmt.Errorf("server unreachable, try again when online")
			case apiclient.IsRetryable(err):
				return fmt.Errorf("%w, try again shortly", err)
			}
			return err
		}
		fmt.Printf("Submitted job %s\n", jobID)
		if noWait {
			return nil
		}
		return follow(ctx, e)
	},
}

// submitJob retries once when the cached connectivity flag was stale and a real check
// finds the server reachable.
func submitJob(ctx context.Context, e *engine.Engine, input entity.InputDescriptor) (string, error) {
	jobID, err := e.Jobs().Submit(ctx, input)
	if errors.Is(err, entity.ErrNetworkUnavailable) && e.Gate().CheckReal(ctx) {
		return e.Jobs().Submit(ctx, input)
	}
	return jobID, err
}

var watchCmd = &cobra.Command{
	Use:     "watch",
	Aliases: []string{"resume"},
	Short:   "Reconnect to the job in progress and follow it to the end",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if e.Jobs().Snapshot() == nil {
			fmt.Println("No job in progress")
			return nil
		}
		return follow(ctx, e)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the job in progress and credit back its usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		snap := e.Jobs().Snapshot()
		if snap == nil || snap.Status.IsTerminal() {
			fmt.Println("No job in progress")
			return nil
		}
		if err := e.Jobs().Cancel(ctx); err != nil {
			return err
		}
		fmt.Printf("Canceled job %s\n", snap.JobID)
		return processRollbacks(ctx, e)
	},
}

var ackCmd = &cobra.Command{
	Use:   "ack",
	Short: "Clear a finished job so a new one can be submitted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.Jobs().Acknowledge(ctx); err != nil {
			if errors.Is(err, entity.ErrJobInProgress) {
				return fmt.Errorf("the job is still running")
			}
			return err
		}
		fmt.Println("Cleared")
		return nil
	},
}

var rollbacksCmd = &cobra.Command{
	Use:   "rollbacks",
	Short: "Inspect or process pending usage credit-backs",
}

var rollbacksStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the number of pending credit-backs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.Rollbacks().PendingCount(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pending credit-backs: %d\n", n)
		return nil
	},
}

var rollbacksProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Credit back every pending record now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer e.Close()
		return processRollbacks(ctx, e)
	},
}

func init() {
	submitCmd.Flags().StringVar(&sourceRef, "source", "", "reference to the source media")
	submitCmd.Flags().StringVar(&instruction, "instruction", "", "generation instruction")
	submitCmd.Flags().BoolVar(&noWait, "no-wait", false, "return once the job is accepted")
	_ = submitCmd.MarkFlagRequired("source")

	rollbacksCmd.AddCommand(rollbacksStatusCmd, rollbacksProcessCmd)
}

func processRollbacks(ctx context.Context, e *engine.Engine) error {
	res, err := e.Rollbacks().Process(ctx)
	if err != nil {
		return err
	}
	if res.Skipped {
		// the startup pass is still running
		time.Sleep(time.Second)
		if res, err = e.Rollbacks().Process(ctx); err != nil {
			return err
		}
	}
	fmt.Printf("Credit-backs: attempted=%d credited=%d discarded=%d failed=%d remaining=%d\n",
		res.Attempted, res.Credited, res.Discarded, res.Failed, res.Remaining)
	return nil
}

// follow prints progress until the job reaches a terminal status or ctx ends.
func follow(ctx context.Context, e *engine.Engine) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var last string
	for {
		p := e.Jobs().Progress()
		line := fmt.Sprintf("%s (%s)", p.Status, p.Phase)
		if line != last {
			fmt.Printf("[%3ds] %s\n", p.ElapsedSeconds, line)
			last = line
		}
		if !p.IsGenerating {
			return report(e)
		}

		select {
		case <-ctx.Done():
			fmt.Println("Detached; the job continues and 'genclient watch' reconnects to it")
			return nil
		case <-ticker.C:
		}
	}
}

func report(e *engine.Engine) error {
	snap := e.Jobs().Snapshot()
	if snap == nil {
		return nil
	}
	switch snap.Status {
	case entity.StatusSucceeded:
		if snap.Output != nil {
			fmt.Printf("Output: %s\n", *snap.Output)
		}
		return nil
	default:
		msg := string(snap.Status)
		if snap.Error != nil {
			msg += ": " + *snap.Error
		}
		return fmt.Errorf("job %s %s, usage will be credited back", snap.JobID, msg)
	}
}
