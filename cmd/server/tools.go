package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/soaringjerry/intake/internal/services"
	"github.com/soaringjerry/intake/internal/sms"
)

func nudgeOnceCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "nudge-once",
		Short: "Run one reminder pass over both tracks and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			svc := a.reminders
			if dryRun {
				svc = svc.DryRun()
			}
			report, runErr := svc.RunOnce(cmd.Context())
			printReport(cmd.OutOrStdout(), report)
			return runErr
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report due reminders without sending or writing")
	return cmd
}

func printReport(w io.Writer, r *services.RunReport) {
	if r == nil {
		return
	}
	mode := color.New(color.FgGreen).Sprint("LIVE")
	if r.DryRun {
		mode = color.New(color.FgYellow).Sprint("DRY RUN")
	}
	fmt.Fprintf(w, "Reminder pass %s at %s\n", mode, r.StartedAt.Format("2006-01-02 15:04:05Z07:00"))
	for _, tr := range []struct {
		name string
		r    services.TrackReport
	}{{"stuck survey", r.Stuck}, {"step-b", r.StepB}} {
		failed := fmt.Sprint(tr.r.Failed)
		if tr.r.Failed > 0 {
			failed = color.New(color.FgRed).Sprint(tr.r.Failed)
		}
		fmt.Fprintf(w, "  %-13s scanned=%d sent=%d planned=%d skipped=%d failed=%s\n",
			tr.name, tr.r.Scanned, tr.r.Sent, tr.r.Planned, tr.r.Skipped, failed)
	}
}

func sendSMSCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-sms <phone> [message]",
		Short: "Send one text through the configured provider",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			to := services.NormalizePhone(args[0])
			if to == "" {
				return fmt.Errorf("invalid phone number %q", args[0])
			}
			body := "Test message from the intake service."
			if len(args) > 1 {
				body = strings.Join(args[1:], " ")
			}
			m := sms.NewTwilioMessenger(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioPhoneNumber, log)
			res := m.Send(cmd.Context(), to, body)
			if !res.Success {
				return fmt.Errorf("send to %s failed: %s", to, res.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s (sid %s)\n", color.New(color.FgGreen).Sprint("OK"), to, res.ID)
			return nil
		},
	}
}

func checkDBCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-db",
		Short: "Verify database connectivity and print record counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfigAndLogger()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			store, err := openStore(cfg, log)
			if err != nil {
				fmt.Fprintf(out, "%s %s: %v\n", color.New(color.FgRed).Sprint("FAIL"), cfg.DBDialect, err)
				return err
			}
			defer store.Close()
			if err := store.Ping(cmd.Context()); err != nil {
				fmt.Fprintf(out, "%s ping: %v\n", color.New(color.FgRed).Sprint("FAIL"), err)
				return err
			}
			subs, hist, err := store.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s %s connected\n", color.New(color.FgGreen).Sprint("OK"), store.Dialect())
			fmt.Fprintf(out, "  submissions: %d\n  history:     %d\n", subs, hist)
			return nil
		},
	}
}
