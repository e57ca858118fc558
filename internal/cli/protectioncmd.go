package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"ndb/internal/audit"
	"ndb/internal/pending"
	"ndb/internal/protection"
)

// readPIN prompts without echo on a terminal, falling back to a plain line
// read when stdin is piped.
func readPIN(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func newProtectionCmd(app func() (*App, error)) *cobra.Command {
	protCmd := &cobra.Command{
		Use:   "protection",
		Short: "Manage the PIN gate guarding loosening commands",
	}
	pinCmd := &cobra.Command{
		Use:   "pin",
		Short: "Set, verify, inspect, or remove the PIN",
	}

	pinCmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Set or replace the PIN (4-8 digits)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if a.Gate.IsSet() {
				current, err := readPIN("current PIN: ")
				if err != nil {
					return err
				}
				if err := a.Gate.Verify(current); err != nil {
					return err
				}
			}
			pin, err := readPIN("new PIN: ")
			if err != nil {
				return err
			}
			confirm, err := readPIN("confirm PIN: ")
			if err != nil {
				return err
			}
			if pin != confirm {
				return fmt.Errorf("%w: PINs do not match", errValidation)
			}
			if err := a.Gate.Set(pin); err != nil {
				return fmt.Errorf("%w: %s", errValidation, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "PIN set")
			return nil
		},
	})

	pinCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Open a 30-minute PIN session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			pin, err := readPIN("PIN: ")
			if err != nil {
				return err
			}
			if err := a.Gate.Verify(pin); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session open for %s\n", protection.SessionDuration)
			return nil
		},
	})

	pinCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the PIN gate state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			st := a.Gate.CurrentStatus()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pin set:     %v\n", st.PINSet)
			if st.SessionOpen {
				fmt.Fprintf(out, "session:     open until %s\n", st.SessionEnds.Local().Format("15:04:05"))
			} else {
				fmt.Fprintln(out, "session:     closed")
			}
			if st.LockedOut {
				fmt.Fprintf(out, "lockout:     active until %s\n", st.LockoutEnds.Local().Format("15:04:05"))
			} else if st.RecentFailures > 0 {
				fmt.Fprintf(out, "failures:    %d recent\n", st.RecentFailures)
			}
			if removal, err := a.Pending.PendingFor(pending.TargetPIN, "pin"); err == nil && removal != nil {
				fmt.Fprintf(out, "removal:     scheduled %s (%s)\n",
					removal.ExecuteAt.Local().Format(time.RFC3339), removal.ID)
			}
			return nil
		},
	})

	pinCmd.AddCommand(&cobra.Command{
		Use:   "remove",
		Short: "Schedule PIN removal after a 24-hour delay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app()
			if err != nil {
				return err
			}
			if !a.Gate.IsSet() {
				return fmt.Errorf("%w: no PIN is set", errValidation)
			}
			pin, err := readPIN("PIN: ")
			if err != nil {
				return err
			}
			if err := a.Gate.Verify(pin); err != nil {
				return err
			}
			action, err := a.Pending.Create(pending.TargetPIN, "pin", pending.KindRemovePIN,
				protection.RemovalDelay.String(), protection.RemovalDelay, nil)
			if err != nil {
				return err
			}
			a.auditUser(audit.VerbPendingCreate, action.ID,
				map[string]string{"kind": pending.KindRemovePIN})
			fmt.Fprintf(cmd.OutOrStdout(),
				"PIN removal scheduled for %s; cancel with: pending cancel %s\n",
				action.ExecuteAt.Local().Format(time.RFC3339), action.ID)
			return nil
		},
	})

	protCmd.AddCommand(pinCmd)
	return protCmd
}
