package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chaz8081/flicd/internal/button"
	"github.com/chaz8081/flicd/internal/config"
	"github.com/chaz8081/flicd/internal/scanner"
	"github.com/chaz8081/flicd/internal/session"
)

type configLoader func() (*config.Config, error)

// withDaemon opens the daemon, restores the registry and runs fn.
func withDaemon(load configLoader, fn func(ctx context.Context, d *daemon) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}
	d, err := openDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := d.mgr.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, d)
}

func runCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to every paired button and print its events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(load, func(ctx context.Context, d *daemon) error {
				records, err := d.mgr.Buttons()
				if err != nil {
					return err
				}
				if len(records) == 0 {
					return errors.New("no paired buttons, run 'flicd scan' first")
				}
				if err := d.mgr.ConnectAll(); err != nil {
					return err
				}
				fmt.Printf("Waiting for %d button(s). Ctrl+C to quit.\n", len(records))

				events := d.mgr.Events()
				for {
					select {
					case n, ok := <-events:
						if !ok {
							return nil
						}
						printNotification(n)
					case <-ctx.Done():
						fmt.Println("Shutting down...")
						return nil
					}
				}
			})
		},
	}
}

func printNotification(n session.Notification) {
	switch n.Kind {
	case session.NotifyButtonEvent:
		fmt.Printf("%s %s\n", n.ButtonID, n.Event)
	case session.NotifyBatteryChanged:
		fmt.Printf("%s battery %.2fV\n", n.ButtonID, n.BatteryVoltage)
	case session.NotifyNicknameChanged:
		fmt.Printf("%s nickname %q\n", n.ButtonID, n.Nickname)
	default:
		if n.Err != nil {
			fmt.Printf("%s %s: %v\n", n.ButtonID, n.Kind, n.Err)
		} else {
			fmt.Printf("%s %s\n", n.ButtonID, n.Kind)
		}
	}
}

func scanCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Pair a new button (hold it for 7 seconds to make it pairable)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(load, func(ctx context.Context, d *daemon) error {
				fmt.Println("Scanning... hold the button for 7 seconds.")
				s, err := d.mgr.Scan(ctx, func(ev scanner.StatusEvent) {
					fmt.Printf("  %s %s %s\n", ev.Status, ev.Address, ev.Name)
				})
				if errors.Is(err, button.ErrScanCancelled) {
					fmt.Println("Scan cancelled")
					return nil
				}
				if err != nil {
					return err
				}
				rec, err := s.Record()
				if err != nil {
					return err
				}
				fmt.Printf("Paired %s (%s, serial %s) as %s\n", rec.Name, rec.Address, rec.SerialNumber, rec.ID)
				return nil
			})
		},
	}
}

func listCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List paired buttons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(load, func(ctx context.Context, d *daemon) error {
				records, err := d.mgr.Buttons()
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tNICKNAME\tSERIAL\tADDRESS\tMODE\tLATENCY\tBATTERY\tSTATUS")
				for _, r := range records {
					status := "paired"
					if r.Unpaired {
						status = "unpaired"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.2fV\t%s\n",
						r.ID, r.Name, r.Nickname, r.SerialNumber, r.Address, r.TriggerMode, r.LatencyMode, r.BatteryVoltage, status)
				}
				return w.Flush()
			})
		},
	}
}

func forgetCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <id>",
		Short: "Forget a paired button",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(load, func(ctx context.Context, d *daemon) error {
				if err := d.mgr.Forget(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Forgot %s\n", args[0])
				return nil
			})
		},
	}
}

func nicknameCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "nickname <id> <name>",
		Short: "Set a button's nickname",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDaemon(load, func(ctx context.Context, d *daemon) error {
				s, err := d.mgr.Button(args[0])
				if err != nil {
					return err
				}
				if err := s.SetNickname(ctx, args[1]); err != nil {
					return err
				}
				rec, err := s.Record()
				if err != nil {
					return err
				}
				fmt.Printf("Nickname of %s is now %q\n", rec.ID, rec.Nickname)
				return nil
			})
		},
	}
}

func modeCmd(load configLoader) *cobra.Command {
	var trigger, latency string

	cmd := &cobra.Command{
		Use:   "mode <id>",
		Short: "Set a button's trigger mode and latency mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if trigger == "" && latency == "" {
				return errors.New("nothing to change, pass --trigger or --latency")
			}
			return withDaemon(load, func(ctx context.Context, d *daemon) error {
				s, err := d.mgr.Button(args[0])
				if err != nil {
					return err
				}
				if trigger != "" {
					m, err := button.ParseTriggerMode(trigger)
					if err != nil {
						return err
					}
					if err := s.SetTriggerMode(ctx, m); err != nil {
						return err
					}
				}
				if latency != "" {
					m, err := button.ParseLatencyMode(latency)
					if err != nil {
						return err
					}
					if err := s.SetLatencyMode(ctx, m); err != nil {
						return err
					}
				}
				rec, err := s.Record()
				if err != nil {
					return err
				}
				fmt.Printf("%s: trigger %s, latency %s\n", rec.ID, rec.TriggerMode, rec.LatencyMode)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", "", "click_double_click_hold, click_double_click, click_hold or click")
	cmd.Flags().StringVar(&latency, "latency", "", "normal or low")
	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			if path == "" {
				fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
}
