package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/config"
	"github.com/hackgods/live-appointment-scheduling/internal/dashboard"
	"github.com/hackgods/live-appointment-scheduling/internal/grouping"
	"github.com/hackgods/live-appointment-scheduling/internal/logging"
	"github.com/hackgods/live-appointment-scheduling/internal/reschedule"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
)

func main() {
	var (
		flags   agentFlags
		asJSON  bool
		cfg     config.Config
		log     *zap.Logger
		current *agent
	)

	rootCmd := &cobra.Command{
		Use:           "dashboard",
		Short:         "Live appointment dashboard agent",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(); err != nil {
				return err
			}
			if log, err = logging.New(cfg.Env, cfg.LogLevel); err != nil {
				return err
			}
			current, err = newAgent(cmd.Context(), cfg, flags, log)
			return err
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.role, "role", "doctor", "session role: doctor, hospital_admin, slot_admin or patient")
	pf.Int64Var(&flags.userID, "user", 0, "session user id")
	pf.Int64Var(&flags.hospitalID, "hospital", 0, "session hospital id, required for admins")
	pf.Int64SliceVar(&flags.doctors, "doctor", nil, "doctor ids an admin looks after (repeatable)")
	pf.BoolVar(&flags.broadcast, "broadcast", false, "sync with other dashboards over redis")
	pf.BoolVar(&asJSON, "json", false, "print json instead of tables")

	agentOf := func() *agent { return current }
	rootCmd.AddCommand(
		boardCmd(agentOf, &asJSON),
		availabilityCmd(agentOf, &asJSON),
		moveCmd(agentOf),
		periodCmd(agentOf),
		watchCmd(agentOf),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if current != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		current.Close(closeCtx)
		cancel()
		_ = log.Sync()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "dashboard: %v\n", err)
		os.Exit(1)
	}
}

func boardCmd(agentOf func() *agent, asJSON *bool) *cobra.Command {
	var date string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "board [doctor-id]",
		Short: "Print a doctor's day grouped into hours and segments",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agentOf()
			if err := a.view.Load(cmd.Context()); err != nil {
				return err
			}
			d, err := a.resolveDate(date)
			if err != nil {
				return err
			}
			doctors, err := pickDoctors(a, args)
			if err != nil {
				return err
			}
			var preds []grouping.Predicate
			if activeOnly {
				preds = append(preds, grouping.Active())
			}
			for _, id := range doctors {
				if _, err := a.avail.Refresh(cmd.Context(), id, d); err != nil {
					a.log.Warn("availability not loaded, showing local table", zap.Int64("doctor_id", id), zap.Error(err))
				}
				b := a.view.Board(id, d, preds...)
				if *asJSON {
					if err := printJSON(cmd.OutOrStdout(), b); err != nil {
						return err
					}
					continue
				}
				printBoard(cmd.OutOrStdout(), b)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "civil date YYYY-MM-DD, defaults to today")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "hide cancelled and completed appointments")
	return cmd
}

func availabilityCmd(agentOf func() *agent, asJSON *bool) *cobra.Command {
	var dates []string
	cmd := &cobra.Command{
		Use:   "availability <doctor-id>",
		Short: "Print hour capacity for one or more dates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agentOf()
			doctorID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad doctor id %q", args[0])
			}
			if len(dates) == 0 {
				today, _ := a.resolveDate("")
				dates = []string{today}
			}
			if err := a.avail.Prefetch(cmd.Context(), doctorID, dates); err != nil {
				a.log.Warn("prefetch incomplete", zap.Error(err))
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, d := range dates {
				av := a.avail.Get(doctorID, d)
				if *asJSON {
					if err := printJSON(cmd.OutOrStdout(), av); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(w, "%s\tperiod %dm\tstale=%t\n", d, av.PeriodMinutes, av.Stale)
				for _, h := range av.Hours {
					if h.BookedCount == 0 {
						continue
					}
					fmt.Fprintf(w, "  %s-%s\t%d/%d\t%s\n", h.LabelFrom, h.LabelTo, h.BookedCount, h.Capacity, h.Level)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVar(&dates, "date", nil, "civil dates YYYY-MM-DD (repeatable)")
	return cmd
}

func moveCmd(agentOf func() *agent) *cobra.Command {
	var toDoctor int64
	cmd := &cobra.Command{
		Use:   "move <appointment-id> <date> <time>",
		Short: "Move an appointment and wait for the server to settle it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agentOf()
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad appointment id %q", args[0])
			}
			if err := a.view.Load(cmd.Context()); err != nil {
				return err
			}
			if err := a.view.Move(cmd.Context(), id, reschedule.Target{Date: args[1], Time: args[2], DoctorID: toDoctor}); err != nil {
				return err
			}
			if err := a.coord.Drain(cmd.Context()); err != nil {
				return err
			}
			got, ok := a.store.Find(id)
			if !ok {
				return fmt.Errorf("appointment %d vanished", id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "appointment %d: doctor %d at %s %s (%s)\n",
				got.ID, got.DoctorID, a.norm.DateKey(got.ScheduledAt), a.norm.Clock(got.ScheduledAt), got.Status)
			return nil
		},
	}
	cmd.Flags().Int64Var(&toDoctor, "to-doctor", 0, "hand the appointment to another doctor")
	return cmd
}

func periodCmd(agentOf func() *agent) *cobra.Command {
	return &cobra.Command{
		Use:   "period <doctor-id> [minutes]",
		Short: "Show or set a doctor's slot period",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agentOf()
			id := a.client.Identity()
			if id.HospitalID == nil {
				return fmt.Errorf("slot periods are managed by hospital admins")
			}
			doctorID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("bad doctor id %q", args[0])
			}
			if len(args) == 2 {
				minutes, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("bad minutes %q", args[1])
				}
				if err := a.client.SetHospitalDoctorSlotPeriod(cmd.Context(), *id.HospitalID, doctorID, minutes); err != nil {
					return err
				}
				a.avail.SetPeriod(doctorID, minutes)
			}
			minutes, err := a.client.GetHospitalDoctorSlotPeriod(cmd.Context(), *id.HospitalID, doctorID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "doctor %d: %d minute slots\n", doctorID, minutes)
			return nil
		},
	}
}

func watchCmd(agentOf func() *agent) *cobra.Command {
	var date string
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stay connected and print the board whenever it changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a := agentOf()
			ctx := cmd.Context()
			if err := a.view.Load(ctx); err != nil {
				return err
			}
			d, err := a.resolveDate(date)
			if err != nil {
				return err
			}

			busErr := make(chan error, 1)
			go func() { busErr <- a.bus.Run(ctx) }()

			changes, stop := a.view.Changes()
			defer stop()

			render := func() {
				for _, id := range a.doctors() {
					printBoard(cmd.OutOrStdout(), a.view.Board(id, d))
				}
				if a.client.Identity().Role == session.RolePatient {
					printPatient(cmd.OutOrStdout(), a, a.view.Patient())
				}
			}
			render()

			// store changes arrive in bursts; redraw at most once per tick
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			dirty := false
			for {
				select {
				case <-ctx.Done():
					return <-busErr
				case err := <-busErr:
					return err
				case <-changes:
					dirty = true
				case <-ticker.C:
					if dirty {
						dirty = false
						render()
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "civil date YYYY-MM-DD, defaults to today")
	cmd.Flags().DurationVar(&every, "redraw", 500*time.Millisecond, "minimum time between redraws")
	return cmd
}

func pickDoctors(a *agent, args []string) ([]int64, error) {
	if len(args) == 1 {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad doctor id %q", args[0])
		}
		return []int64{id}, nil
	}
	ids := a.doctors()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no doctor to show, pass one")
	}
	return ids, nil
}

func printBoard(w io.Writer, b dashboard.Board) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	stale := ""
	if b.Stale {
		stale = " (local estimate)"
	}
	fmt.Fprintf(tw, "doctor %d  %s  %dm slots%s\n", b.DoctorID, b.Date, b.PeriodMinutes, stale)
	for _, h := range b.Hours {
		if h.Booked == 0 {
			continue
		}
		full := ""
		if h.IsFull {
			full = "FULL"
		}
		fmt.Fprintf(tw, "%s-%s\t%d/%d\t%s\t%s\n", h.LabelFrom, h.LabelTo, h.Booked, h.Capacity, h.Level, full)
		for _, s := range h.Segments {
			for _, ap := range s.Appointments {
				fmt.Fprintf(tw, "  %s-%s\t#%d\tpatient %d\t%s\n", s.From, s.To, ap.ID, ap.PatientID, ap.Status)
			}
		}
	}
	_ = tw.Flush()
	fmt.Fprintln(w, strings.Repeat("-", 48))
}

func printPatient(w io.Writer, a *agent, list []appointment.Appointment) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ap := range list {
		fmt.Fprintf(tw, "%s %s\tdoctor %d\t#%d\t%s\n",
			a.norm.DateKey(ap.ScheduledAt), a.norm.Clock(ap.ScheduledAt), ap.DoctorID, ap.ID, ap.Status)
	}
	_ = tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
