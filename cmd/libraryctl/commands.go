package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/warp/library-engine/api"
	"github.com/warp/library-engine/circulation"
	"github.com/warp/library-engine/cmd/internal/wire"
	"github.com/warp/library-engine/config"
	"github.com/warp/library-engine/notify"
)

// =============================================================================
// ROOT
// =============================================================================

type globalFlags struct {
	configPath string
	driver     string
	dbPath     string
}

// session is what every command needs: the config, a logger and an open store.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	store  circulation.RecordStore
	close  func() error
}

func (g *globalFlags) open(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.driver != "" {
		cfg.Store.Driver = g.driver
	}
	if g.dbPath != "" {
		cfg.Store.Path = g.dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := config.NewLogger(cfg.Log, cmd.ErrOrStderr(), cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}
	store, closeStore, err := wire.OpenStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, store: store, close: closeStore}, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "libraryctl",
		Short:         "Administer the library circulation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.driver, "store", "", "Record store: memory, sqlite or badger")
	root.PersistentFlags().StringVar(&g.dbPath, "db", "", "Record store path")

	root.AddCommand(
		newReconcileCmd(g),
		newFinesCmd(g),
		newNotifyCmd(g),
		newSettingsCmd(g),
		newScenarioCmd(g),
	)
	return root
}

// =============================================================================
// RECONCILE
// =============================================================================

func newReconcileCmd(g *globalFlags) *cobra.Command {
	var asJSON, withNotices bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			var em *notify.Emitter
			if withNotices {
				em = wire.NewEmitter(s.cfg.Notify, s.store, nil, s.logger)
			}
			rec := circulation.NewReconciler(s.store, s.logger)
			run, res, rep, err := api.NewTrigger(s.store, rec, em, s.logger).Run(cmd.Context(), "cli")
			if err != nil {
				return fmt.Errorf("failed to calculate fines: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, api.ReconcileResponse{Run: run, Result: res, Notify: rep})
			}
			fmt.Fprintf(out, "Reconciled at %s\n", res.At.Format(time.RFC3339))
			fmt.Fprintf(out, "  records touched:  %d\n", res.Touched)
			fmt.Fprintf(out, "  status repaired:  %d\n", res.StatusRepaired)
			fmt.Fprintf(out, "  fines created:    %d\n", len(res.FinesCreated))
			fmt.Fprintf(out, "  fines updated:    %d\n", res.FinesUpdated)
			fmt.Fprintf(out, "  loans skipped:    %d\n", res.LoansSkipped)
			if withNotices {
				fmt.Fprintf(out, "  notices sent:     %d (failed %d, skipped %d)\n", rep.Sent, rep.Failed, rep.Skipped)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	cmd.Flags().BoolVar(&withNotices, "notify", false, "Send overdue notices for new fines")
	return cmd
}

// =============================================================================
// FINES
// =============================================================================

func newFinesCmd(g *globalFlags) *cobra.Command {
	fines := &cobra.Command{Use: "fines", Short: "Inspect fines"}

	var unpaid bool
	var student string
	list := &cobra.Command{
		Use:   "list",
		Short: "List fines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			all, err := circulation.NewRecords(s.store).Fines(cmd.Context())
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTUDENT\tBOOK\tDUE\tDAYS\tAMOUNT\tPAID")
			total := decimal.Zero
			for _, f := range all {
				if unpaid && f.Paid {
					continue
				}
				if student != "" && string(f.StudentID) != student {
					continue
				}
				paid := "no"
				if f.Paid {
					paid = "yes " + f.ReceiptNumber
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					f.ID, f.StudentName, f.BookTitle, f.DueDate.Format("2006-01-02"),
					f.DaysOverdue, f.FineAmount.StringFixed(2), paid)
				total = total.Add(f.FineAmount)
			}
			fmt.Fprintf(tw, "\t\t\t\t\t%s\t\n", total.StringFixed(2))
			return tw.Flush()
		},
	}
	list.Flags().BoolVar(&unpaid, "unpaid", false, "Only unpaid fines")
	list.Flags().StringVar(&student, "student", "", "Only this student's fines")

	fines.AddCommand(list)
	return fines
}

// =============================================================================
// NOTIFY
// =============================================================================

func newNotifyCmd(g *globalFlags) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "notify [studentID]",
		Short: "Send overdue notices for unpaid fines",
		Args: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("give exactly one student id, or --all")
			}
			return cobra.MaximumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			em := wire.NewEmitter(s.cfg.Notify, s.store, nil, s.logger)
			if em == nil {
				return errors.New("no notification channel configured")
			}

			var rep notify.Report
			if all {
				rep, err = em.BulkOverdue(cmd.Context())
			} else {
				rep, err = em.StudentSummary(cmd.Context(), circulation.StudentID(args[0]))
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sent %d, failed %d, skipped %d\n", rep.Sent, rep.Failed, rep.Skipped)
			for _, w := range rep.Warnings {
				fmt.Fprintln(out, "  warning:", w)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Notify every student with unpaid fines")
	return cmd
}

// =============================================================================
// SETTINGS
// =============================================================================

func newSettingsCmd(g *globalFlags) *cobra.Command {
	settings := &cobra.Command{Use: "settings", Short: "Library rules"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the library rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			rules, err := circulation.NewRecords(s.store).Rules(cmd.Context())
			if err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), rules)
			return nil
		},
	}

	var borrowDays, maxBooks int
	var finePerDay string
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the library rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			records := circulation.NewRecords(s.store)
			rules, err := records.Rules(cmd.Context())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("borrow-days") {
				rules.BorrowDurationDays = borrowDays
			}
			if cmd.Flags().Changed("max-books") {
				rules.MaxBooksPerStudent = maxBooks
			}
			if cmd.Flags().Changed("fine-per-day") {
				d, err := decimal.NewFromString(finePerDay)
				if err != nil {
					return fmt.Errorf("%w: fine per day %q: %v", circulation.ErrInvalidSettings, finePerDay, err)
				}
				rules.FinePerDay = d
			}
			if rules.BorrowDurationDays < 1 || rules.MaxBooksPerStudent < 1 || rules.FinePerDay.IsNegative() {
				return fmt.Errorf("%w: durations and limits must be positive, fines not negative", circulation.ErrInvalidSettings)
			}

			if err := records.SaveRules(cmd.Context(), rules); err != nil {
				return err
			}
			printRules(cmd.OutOrStdout(), rules)
			return nil
		},
	}
	set.Flags().IntVar(&borrowDays, "borrow-days", 0, "Loan length in days")
	set.Flags().IntVar(&maxBooks, "max-books", 0, "Open loans allowed per student")
	set.Flags().StringVar(&finePerDay, "fine-per-day", "", "Fine per overdue day, e.g. 5 or 2.50")

	settings.AddCommand(show, set)
	return settings
}

func printRules(w io.Writer, r circulation.Rules) {
	fmt.Fprintf(w, "borrow duration:   %d days\n", r.BorrowDurationDays)
	fmt.Fprintf(w, "fine per day:      %s\n", r.FinePerDay.StringFixed(2))
	fmt.Fprintf(w, "max books:         %d\n", r.MaxBooksPerStudent)
}

// =============================================================================
// SCENARIO
// =============================================================================

func newScenarioCmd(g *globalFlags) *cobra.Command {
	scenario := &cobra.Command{Use: "scenario", Short: "Demo data"}
	load := &cobra.Command{
		Use:   "load <id>",
		Short: "Reset the store and load a demo scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			if err := api.LoadScenario(cmd.Context(), s.store, args[0], time.Now()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", args[0])
			return nil
		},
	}
	scenario.AddCommand(load)
	return scenario
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
