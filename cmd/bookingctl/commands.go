package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"lessonbook/internal/database"
	"lessonbook/internal/events"
	"lessonbook/internal/ledger"
	"lessonbook/internal/model"
	"lessonbook/internal/payment"
	"lessonbook/internal/pricing"
	"lessonbook/internal/session"
	"lessonbook/internal/slots"
	"lessonbook/internal/wizard"
)

const dateLayout = "2006-01-02"

func (a *app) runSlots(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("slots", flag.ContinueOnError)
	instructorID := fs.String("instructor", "", "instructor id")
	date := fs.String("date", time.Now().Format(dateLayout), "first date (YYYY-MM-DD)")
	duration := fs.Float64("duration", 1, "lesson duration in hours")
	days := fs.Int("days", a.cfg.AvailabilityWindow(), "number of days to list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *instructorID == "" {
		return errors.New("-instructor is required")
	}
	from, err := time.Parse(dateLayout, *date)
	if err != nil {
		return fmt.Errorf("invalid -date: %w", err)
	}
	to := from.AddDate(0, 0, max(*days, 1)-1).Format(dateLayout)

	client, err := a.getClient()
	if err != nil {
		return err
	}
	var (
		available []model.AvailabilityDay
		bookings  []model.ExistingBooking
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		available, err = client.GetAvailability(gctx, *instructorID, *date, to)
		return err
	})
	g.Go(func() error {
		var err error
		bookings, err = client.GetInstructorBookings(gctx, *instructorID)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	for d := from; d.Format(dateLayout) <= to; d = d.AddDate(0, 0, 1) {
		day := d.Format(dateLayout)
		avail, ok := slots.DayFor(available, day)
		if !ok {
			fmt.Printf("%s  no availability\n", day)
			continue
		}
		resolved, err := slots.Resolve(avail, slots.BookingsOn(bookings, day), *duration)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", day, err)
		}
		a.getMetrics().IncSlotResolution()
		if len(resolved) == 0 {
			fmt.Printf("%s  fully booked\n", day)
			continue
		}
		fmt.Printf("%s  %s\n", day, strings.Join(slots.Labels(resolved), ", "))
	}
	return nil
}

func (a *app) runQuote(args []string) error {
	fs := flag.NewFlagSet("quote", flag.ContinueOnError)
	rate := fs.Float64("rate", 0, "hourly rate in dollars")
	hours := fs.Int("hours", 10, "package hours")
	if err := fs.Parse(args); err != nil {
		return err
	}

	q, err := pricing.Compute(pricing.CentsFromDollars(*rate), *hours)
	if err != nil {
		return err
	}
	fmt.Printf("%d hours at %s/h\n", q.Hours, pricing.FormatCents(q.HourlyRate))
	fmt.Printf("  subtotal        %s\n", pricing.FormatCents(q.Subtotal))
	fmt.Printf("  discount (%d%%)  -%s\n", q.DiscountBasis/100, pricing.FormatCents(q.Discount))
	fmt.Printf("  processing fee  %s\n", pricing.FormatCents(q.ProcessingFee))
	fmt.Printf("  total           %s\n", pricing.FormatCents(q.Total))
	for _, n := range pricing.PreviewCounts {
		plan, err := q.Installments(n)
		if err != nil {
			return err
		}
		parts := make([]string, len(plan))
		for i, p := range plan {
			parts[i] = pricing.FormatCents(p.Amount)
		}
		fmt.Printf("  %d payment(s): %s\n", n, strings.Join(parts, " + "))
	}
	return nil
}

// lessonList collects repeated -lesson flags of the form "date|start|hours|suburb|address".
type lessonList []model.LessonRequest

func (l *lessonList) String() string {
	return fmt.Sprintf("%d lessons", len(*l))
}

func (l *lessonList) Set(v string) error {
	parts := strings.Split(v, "|")
	if len(parts) != 5 {
		return fmt.Errorf("want date|start|hours|suburb|address, got %q", v)
	}
	hours, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return fmt.Errorf("invalid hours %q: %w", parts[2], err)
	}
	*l = append(*l, model.LessonRequest{
		Date:          strings.TrimSpace(parts[0]),
		StartTime:     strings.TrimSpace(parts[1]),
		Duration:      hours,
		PickupSuburb:  strings.TrimSpace(parts[3]),
		PickupAddress: strings.TrimSpace(parts[4]),
	})
	return nil
}

// runCheckout drives the wizard end to end from flags. A saved checkout for the same instructor is
// resumed; only the steps still ahead are filled in.
func (a *app) runCheckout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	instructorID := fs.String("instructor", "", "instructor id")
	pkg := fs.String("package", string(model.PackageTenHours), "fixed-10h, fixed-6h or custom")
	customHours := fs.Int("hours", 0, "hours for a custom package")
	register := fs.Bool("register", false, "create an account instead of logging in")
	first := fs.String("first-name", "", "first name (register)")
	last := fs.String("last-name", "", "last name (register)")
	phone := fs.String("phone", "", "phone (register)")
	email := fs.String("email", "", "account email")
	password := fs.String("password", os.Getenv("LESSONBOOK_PASSWORD"), "account password")
	card := fs.String("payment-method", "", "processor payment method id")
	var lessons lessonList
	fs.Var(&lessons, "lesson", "date|start|hours|suburb|address, repeatable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *instructorID == "" {
		return errors.New("-instructor is required")
	}

	client, err := a.getClient()
	if err != nil {
		return err
	}
	orch, err := a.orchestrator()
	if err != nil {
		return err
	}
	kv, err := a.sessionBackend()
	if err != nil {
		return err
	}

	bus := a.getBus()
	verified := make(chan struct{}, 1)
	bus.Subscribe(events.TypeVerified, func(events.Event) error {
		select {
		case verified <- struct{}{}:
		default:
		}
		return nil
	})
	bus.Subscribe(events.TypeStepChanged, func(ev events.Event) error {
		var sc events.StepChanged
		if err := ev.Decode(&sc); err != nil {
			return err
		}
		a.logger.Info().Str("from", sc.From).Str("to", sc.To).Msg("checkout step")
		return nil
	})

	store := session.NewStore(kv, a.cfg.Storage.Namespace, a.cfg.SessionTTL(), a.logger)
	w := wizard.New(*instructorID, wizard.Deps{
		Backend:  client,
		Payments: orch,
		Store:    store,
		Auth:     session.NewAuthStore(kv, a.cfg.Storage.Namespace, a.logger),
		Bus:      bus,
		Metrics:  a.getMetrics(),
		Logger:   a.logger,
	}, wizard.Options{
		Currency:             a.cfg.Currency(),
		VerificationInterval: a.cfg.VerificationInterval(),
		MinAdvance:           a.cfg.MinAdvance(),
	})
	defer w.Close()

	if err := w.Mount(ctx); err != nil {
		return err
	}

	for i := 0; i < int(wizard.StepComplete)*2; i++ {
		snap := w.Snapshot()
		switch snap.Step {
		case wizard.StepConfirmInstructor:
			fmt.Printf("Instructor: %s (%s/h)\n", snap.Instructor.Name,
				pricing.FormatCents(pricing.CentsFromDollars(snap.Instructor.HourlyRate)))
		case wizard.StepSelectPackage:
			if err := w.SelectPackage(model.PackageKind(*pkg), *customHours); err != nil {
				return err
			}
		case wizard.StepScheduleLessons:
			if len(snap.Session.LessonRequests) == 0 {
				if err := addLessons(w, lessons); err != nil {
					return err
				}
			}
		case wizard.StepIdentify:
			if snap.Session.AuthState == model.AuthAwaitingVerification {
				fmt.Printf("Waiting for %s to be verified...\n", snap.Session.PendingEmail)
				select {
				case <-verified:
					continue
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := identify(w, *register, model.LearnerDetails{
				FirstName:       *first,
				LastName:        *last,
				Email:           *email,
				Phone:           *phone,
				Password:        *password,
				ConfirmPassword: *password,
				AcceptTerms:     *register,
			}); err != nil {
				return err
			}
		case wizard.StepPay:
			return pay(ctx, w, *card)
		case wizard.StepComplete:
			return nil
		}

		if err := w.Next(ctx); err != nil {
			return describe(w, err)
		}
	}
	return errors.New("checkout did not reach payment")
}

func addLessons(w *wizard.Wizard, lessons lessonList) error {
	for _, l := range lessons {
		id, err := w.AddLesson(l.Duration)
		if err != nil {
			return err
		}
		if err := w.SetLessonDate(id, l.Date); err != nil {
			return err
		}
		if err := w.SetLessonTime(id, l.StartTime); err != nil {
			return err
		}
		if err := w.SetLessonPickup(id, l.PickupSuburb, l.PickupAddress); err != nil {
			return err
		}
	}
	return nil
}

func identify(w *wizard.Wizard, register bool, learner model.LearnerDetails) error {
	mode := model.AuthModeLogin
	if register {
		mode = model.AuthModeRegister
	}
	if err := w.SetAuthMode(mode); err != nil {
		return err
	}
	return w.SetLearner(learner)
}

func pay(ctx context.Context, w *wizard.Wizard, paymentMethod string) error {
	snap := w.Snapshot()
	if snap.Quote != nil {
		fmt.Printf("Charging %s for %d hours\n", pricing.FormatCents(snap.Quote.Total), snap.Quote.Hours)
	}
	err := w.Pay(ctx, payment.Card{PaymentMethodID: paymentMethod})
	if pc, ok := payment.IsPartialCommitError(err); ok {
		fmt.Println(pc.UserMessage())
		return nil
	}
	if err != nil {
		return describe(w, err)
	}

	snap = w.Snapshot()
	fmt.Printf("Booked %d lesson(s)\n", len(snap.Receipt.Bookings))
	for _, b := range snap.Receipt.Bookings {
		fmt.Printf("  %s  %s %s\n", b.ID, b.Date, b.StartTime)
	}
	return nil
}

// describe adds the wizard's field errors or banner to err.
func describe(w *wizard.Wizard, err error) error {
	if ve, ok := wizard.IsValidationError(err); ok {
		return ve
	}
	if banner := w.Snapshot().Banner; banner != "" {
		return fmt.Errorf("%s: %w", banner, err)
	}
	return err
}

func (a *app) runLedgerExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("ledger-export", flag.ContinueOnError)
	since := fs.Duration("since", 30*24*time.Hour, "how far back to export")
	out := fs.String("out", "partial_commits.xlsx", "output file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := a.getDB()
	if err != nil {
		return err
	}
	entries, err := ledger.New(db, a.logger).List(ctx, time.Now().Add(-*since))
	if err != nil {
		return err
	}

	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := ledger.ExportXLSX(f, entries); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.logger.Info().Int("entries", len(entries)).Str("path", *out).Msg("ledger exported")
	return nil
}

func (a *app) backupService(db *database.DB) *database.BackupService {
	return database.NewBackupService(db, database.BackupConfig{
		Enabled:       a.cfg.Backup.Enabled,
		Interval:      a.cfg.BackupInterval(),
		Dir:           a.cfg.Backup.Path,
		RetentionDays: a.cfg.Backup.RetentionDays,
	}, a.logger)
}

func (a *app) runBackup(ctx context.Context) error {
	db, err := a.getDB()
	if err != nil {
		return err
	}
	svc := a.backupService(db)
	path, err := svc.PerformBackup(ctx)
	if err != nil {
		return err
	}
	removed := svc.CleanupOldBackups()
	fmt.Printf("backup written to %s (%d old backups removed)\n", path, removed)
	return nil
}

// runServe exposes health and metrics endpoints and runs scheduled backups and the monthly
// partial-commit report until interrupted.
func (a *app) runServe(ctx context.Context) error {
	db, err := a.getDB()
	if err != nil {
		return err
	}
	a.getMetrics()
	rdb := a.getRedis()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctxPing, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := db.PingContext(ctxPing); err != nil {
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
		if rdb != nil {
			if err := rdb.Ping(ctxPing).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	if a.cfg.Monitoring.PrometheusEnabled {
		mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.PrometheusPort()),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().Str("addr", srv.Addr).Msg("serving health and metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return srv.Shutdown(ctxShutdown)
	})
	g.Go(func() error {
		a.backupService(db).Start(gctx)
		return nil
	})
	if a.cfg.Support.MonthlyReport {
		if tg := a.getTelegram(); tg != nil {
			report := ledger.NewReportService(ledger.New(db, a.logger), tg, ledger.ReportConfig{
				RetentionDays: a.cfg.Support.LedgerRetentionDays,
			}, a.logger)
			g.Go(func() error {
				report.Start(gctx)
				return nil
			})
		} else {
			a.logger.Warn().Msg("monthly report enabled but telegram is not configured")
		}
	}
	return g.Wait()
}
