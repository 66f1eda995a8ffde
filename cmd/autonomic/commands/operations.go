package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/geo-mak/autonomic-playground/pkg/manager"
	"github.com/geo-mak/autonomic-playground/pkg/operation"
)

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list [controller]",
		Short: "List controllers and their operations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if len(args) == 1 {
				ops, err := client.Operations(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printOperations(ops)
			}

			controllers, err := client.Controllers(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(controllers)
			}
			var ops []manager.OperationInfo
			for _, c := range controllers {
				ops = append(ops, c.Operations...)
			}
			return printOperations(ops)
		},
	}
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <controller> <operation>",
		Short: "Show one operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := newClient().Operation(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(info)
			}
			return printOperations([]manager.OperationInfo{info})
		},
	}
}

func newActiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "active <controller>",
		Short: "List the operations of a controller with an invocation in flight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := newClient().Active(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(active)
			}
			for _, id := range active {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newActivateCommand() *cobra.Command {
	var params string

	cmd := &cobra.Command{
		Use:   "activate <controller> <operation>",
		Short: "Activate an operation and follow its states",
		Example: `  # Succeed with a message
  autonomic activate controller main_operation --params '{"play":{"kind":"ok","message":"hello"}}'

  # Fail after three attempts one second apart
  autonomic activate controller main_operation \
    --params '{"play":{"kind":"err"},"retry":{"max_attempts":2,"delay_ms":1000}}'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if params != "" {
				if !json.Valid([]byte(params)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				payload = json.RawMessage(params)
			}
			return newClient().Activate(cmd.Context(), args[0], args[1], payload, printState)
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", "", "parameters as JSON")

	return cmd
}

func newAbortCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <controller> <operation>",
		Short: "Abort the invocation in flight",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Abort(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Abort requested")
			return nil
		},
	}
}

func newLockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lock <controller> <operation>",
		Short: "Reject further activations of an operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Lock(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Operation locked")
			return nil
		},
	}
}

func newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <controller> <operation>",
		Short: "Accept activations of an operation again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().Unlock(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Operation unlocked")
			return nil
		},
	}
}

func newSensorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensor",
		Short: "Start or stop the sensor of an operation",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "activate <controller> <operation>",
		Short: "Start the sensor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().ActivateSensor(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Sensor activated")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "deactivate <controller> <operation>",
		Short: "Stop the sensor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().DeactivateSensor(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("Sensor deactivated")
			return nil
		},
	})

	return cmd
}

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history <controller> <operation>",
		Short: "Show the latest invocations of an operation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := newClient().History(cmd.Context(), args[0], args[1], limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(records)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTRIGGER\tSTARTED\tDURATION\tSTATE\tMESSAGE")
			for _, r := range records {
				duration := "-"
				if !r.FinishedAt.IsZero() {
					duration = r.FinishedAt.Sub(r.StartedAt).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Trigger, r.StartedAt.Local().Format("2006-01-02 15:04:05"), duration, r.State, r.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of invocations to show")

	return cmd
}

func newChangeStateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "change-state <controller> <value>",
		Short: "Overwrite the resource of a drift controller",
		Long: `Overwrite the resource of a drift controller with value. The controller
notices the drift and corrects it back to its desired value.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().ChangeState(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println("State updated")
			return nil
		},
	}
}

func printState(state operation.OpState) {
	if jsonOutput {
		_ = printJSON(state)
		return
	}
	fmt.Println(state.String())
}

func printOperations(ops []manager.OperationInfo) error {
	if jsonOutput {
		return printJSON(ops)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "CONTROLLER\tOPERATION\tLOCKED\tPERFORMING\tSENSOR\tPHASE\tDESCRIPTION")
	for _, op := range ops {
		sensorState := "-"
		if op.HasSensor {
			sensorState = "stopped"
			if op.Sensing {
				sensorState = "running"
			}
		}
		phase := op.Phase
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\t%s\t%s\n",
			op.Controller, op.ID, op.Locked, op.Performing, sensorState, phase, op.Description)
	}
	return w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
