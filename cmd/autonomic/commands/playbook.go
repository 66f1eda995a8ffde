package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/geo-mak/autonomic-playground/pkg/api"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
	"github.com/geo-mak/autonomic-playground/pkg/playground"
)

// Ids of the demo setup served by "autonomic serve" without a configuration.
const (
	demoController = "controller"
	demoOperation  = "main_operation"
	demoDrift      = "controller_1"
)

func newPlaybookCommand() *cobra.Command {
	var pause time.Duration

	cmd := &cobra.Command{
		Use:   "playbook",
		Short: "Run the demo scenario against a server serving the demo setup",
		Long: `Run the demo scenario against a server serving the demo setup:

  1. list every controller and operation
  2. drift controller_1's resource and let the controller correct it
  3. correct controller_1 manually
  4. panic main_operation, which locks it, then unlock it
  5. activate main_operation with a success and with an expected error
  6. run main_operation's sensor for a while`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlaybook(cmd.Context(), newClient(), pause)
		},
	}

	cmd.Flags().DurationVar(&pause, "pause", 2*time.Second, "time given to sensors between steps")

	return cmd
}

func runPlaybook(ctx context.Context, client *api.Client, pause time.Duration) error {
	step := func(name string) {
		log.Info().Str("step", name).Msg("Playbook")
	}
	wait := func() error {
		select {
		case <-time.After(pause):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	activate := func(ctrl, op string, params any) error {
		return client.Activate(ctx, ctrl, op, params, func(s operation.OpState) {
			fmt.Printf("%s/%s: %s\n", ctrl, op, s)
		})
	}

	step("discovery")
	controllers, err := client.Controllers(ctx)
	if err != nil {
		return err
	}
	for _, c := range controllers {
		for _, op := range c.Operations {
			fmt.Printf("%s/%s: %s\n", c.ID, op.ID, op.Description)
		}
	}

	step("drift")
	if err := client.ChangeState(ctx, demoDrift, "play"); err != nil {
		return err
	}
	if err := wait(); err != nil {
		return err
	}

	step("manual correction")
	if err := activate(demoDrift, demoDrift, nil); err != nil {
		return err
	}

	step("panic")
	if err := activate(demoController, demoOperation, playground.PanicParameters()); err != nil {
		return err
	}
	if err := client.Unlock(ctx, demoController, demoOperation); err != nil {
		return err
	}

	step("ok")
	if err := activate(demoController, demoOperation, playground.OkParameters("Welcome to autonomic!")); err != nil {
		return err
	}

	step("err")
	if err := activate(demoController, demoOperation, playground.ErrParameters("Expected Error")); err != nil {
		return err
	}

	step("sensor")
	if err := client.ActivateSensor(ctx, demoController, demoOperation); err != nil {
		return err
	}
	if err := wait(); err != nil {
		return err
	}
	if err := client.DeactivateSensor(ctx, demoController, demoOperation); err != nil {
		return err
	}

	history, err := client.History(ctx, demoController, demoOperation, 10)
	if err != nil {
		return err
	}
	log.Info().Int("invocations", len(history)).Msg("Playbook finished")
	return nil
}
