package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/apiclient"
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/config"
	"github.com/hackgods/live-appointment-scheduling/internal/db"
	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/logging"
	"github.com/hackgods/live-appointment-scheduling/internal/reschedule"
	"github.com/hackgods/live-appointment-scheduling/internal/retry"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
	"github.com/hackgods/live-appointment-scheduling/internal/store"
)

type SimConfig struct {
	APIBaseURL  string
	Duration    time.Duration
	Workers     int
	DragRatio   float64
	BurstSize   int
	BurstGap    time.Duration
	DoctorLimit int
}

type doctorRef struct {
	ID         int64
	HospitalID int64
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil:
		atomic.AddInt64(&om.Success, 1)
	case errors.Is(err, apiclient.ErrConflict):
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		i := len(latencies) * pct / 100
		if i >= len(latencies) {
			i = len(latencies) - 1
		}
		return latencies[i]
	}
	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], at(50), at(95)
}

type Metrics struct {
	DragBurst    OperationMetrics
	DayView      OperationMetrics
	Availability OperationMetrics
	Insights     OperationMetrics
	// Moves counts every drag, Commits the ones that reached the server.
	Moves   int64
	Commits int64
}

// countingCommitter counts server round trips behind a coordinator.
type countingCommitter struct {
	reschedule.Committer
	n *int64
}

func (c countingCommitter) UpdateDoctorAppointment(ctx context.Context, id int64, p appointment.Patch) (*appointment.Appointment, error) {
	atomic.AddInt64(c.n, 1)
	return c.Committer.UpdateDoctorAppointment(ctx, id, p)
}

func (c countingCommitter) UpdateHospitalDoctorAppointment(ctx context.Context, hospitalID, doctorID, id int64, p appointment.Patch) (*appointment.Appointment, error) {
	atomic.AddInt64(c.n, 1)
	return c.Committer.UpdateHospitalDoctorAppointment(ctx, hospitalID, doctorID, id, p)
}

type discardBroadcast struct{}

func (discardBroadcast) Broadcast(context.Context, event.Event) error { return nil }

type Simulator struct {
	config  SimConfig
	base    config.Config
	norm    *civil.Normalizer
	doctors []doctorRef
	metrics Metrics
	log     *zap.Logger
}

func main() {
	base, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(base.Env, base.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulate: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg := loadConfig(base)
	if err := validateConfig(cfg); err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}
	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("drag_ratio", cfg.DragRatio),
		zap.Int("burst_size", cfg.BurstSize),
	)

	norm, err := civil.NewNormalizer(base.Timezone)
	if err != nil {
		log.Fatal("timezone", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, base.PostgresDSN, db.DefaultPoolOptions(), log)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	doctors, err := loadDoctors(ctx, pgPool, cfg.DoctorLimit)
	if err != nil {
		log.Fatal("load doctors", zap.Error(err))
	}
	log.Info("loaded doctors", zap.Int("count", len(doctors)))

	sim := &Simulator{config: cfg, base: base, norm: norm, doctors: doctors, log: log}
	sim.Run()
	sim.PrintReport()
}

func loadConfig(base config.Config) SimConfig {
	return SimConfig{
		APIBaseURL:  getEnv("SIM_API_BASE_URL", base.APIBaseURL),
		Duration:    getDuration("SIM_DURATION", 30*time.Second),
		Workers:     getInt("SIM_WORKERS", 10),
		DragRatio:   getFloat("SIM_DRAG_RATIO", 0.4),
		BurstSize:   getInt("SIM_BURST_SIZE", 5),
		BurstGap:    getDuration("SIM_BURST_GAP", 40*time.Millisecond),
		DoctorLimit: getInt("SIM_DOCTOR_LIMIT", 200),
	}
}

func validateConfig(cfg SimConfig) error {
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.BurstSize <= 0 {
		return fmt.Errorf("SIM_BURST_SIZE must be > 0")
	}
	return nil
}

func loadDoctors(ctx context.Context, pool *pgxpool.Pool, limit int) ([]doctorRef, error) {
	rows, err := pool.Query(ctx, `
		SELECT id, hospital_id FROM doctors
		WHERE hospital_id IS NOT NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []doctorRef
	for rows.Next() {
		var d doctorRef
		if err := rows.Scan(&d.ID, &d.HospitalID); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no doctors loaded, run seed first")
	}
	return out, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}
	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	date := s.norm.DateKey(time.Now())

	for ctx.Err() == nil {
		doc := s.doctors[rng.Intn(len(s.doctors))]
		hospital := doc.HospitalID
		client, err := apiclient.New(s.config.APIBaseURL,
			session.Identity{Role: session.RoleHospitalAdmin, UserID: int64(workerID + 1), HospitalID: &hospital},
			apiclient.WithLogger(s.log.Named("api")))
		if err != nil {
			s.log.Fatal("api client", zap.Error(err))
		}

		if rng.Float64() < s.config.DragRatio {
			s.doDragBurst(ctx, rng, client, doc)
			continue
		}
		switch rng.Intn(3) {
		case 0:
			start := time.Now()
			_, err := client.GetHospitalDoctorAppointments(ctx, doc.HospitalID, doc.ID)
			s.metrics.DayView.Record(time.Since(start), err)
		case 1:
			start := time.Now()
			_, err := client.Availability(ctx, doc.ID, date)
			s.metrics.Availability.Record(time.Since(start), err)
		case 2:
			start := time.Now()
			_, err := client.GetSlotInsights(ctx, doc.ID, date)
			s.metrics.Insights.Record(time.Since(start), err)
		}
	}
}

// doDragBurst drags one appointment across several hours in quick
// succession, like a user hunting for a free hour, then waits for the
// coordinator to settle.
func (s *Simulator) doDragBurst(ctx context.Context, rng *rand.Rand, client *apiclient.Client, doc doctorRef) {
	list, err := client.GetHospitalDoctorAppointments(ctx, doc.HospitalID, doc.ID)
	if err != nil {
		return
	}
	var active []appointment.Appointment
	for _, a := range list {
		if a.Status.Active() {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return
	}

	st := store.New()
	st.ReplaceAll(doc.ID, list)

	var failure error
	var mu sync.Mutex
	coord := reschedule.New(st, countingCommitter{Committer: client, n: &s.metrics.Commits}, s.norm, discardBroadcast{},
		reschedule.Options{
			Identity:    client.Identity(),
			Debounce:    s.base.RescheduleDebounce,
			Concurrency: s.base.CommitConcurrency,
			Retry: retry.Policy{
				Attempts:  s.base.CommitAttempts,
				BaseDelay: s.base.CommitBaseDelay,
				MaxDelay:  s.base.CommitMaxDelay,
			},
			OnError: func(_ int64, err error) {
				mu.Lock()
				failure = err
				mu.Unlock()
			},
		}, s.log.Named("reschedule"))
	defer coord.Close()

	target := active[rng.Intn(len(active))]
	date := s.norm.DateKey(target.ScheduledAt)

	start := time.Now()
	for i := 0; i < s.config.BurstSize; i++ {
		clock := fmt.Sprintf("%02d:%02d", 8+rng.Intn(10), rng.Intn(4)*15)
		if err := coord.Move(ctx, target.ID, reschedule.Target{Date: date, Time: clock}); err != nil {
			s.metrics.DragBurst.Record(time.Since(start), err)
			return
		}
		atomic.AddInt64(&s.metrics.Moves, 1)
		time.Sleep(s.config.BurstGap)
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := coord.Drain(drainCtx); err != nil {
		s.metrics.DragBurst.Record(time.Since(start), err)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	s.metrics.DragBurst.Record(time.Since(start), failure)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)

	moves := atomic.LoadInt64(&s.metrics.Moves)
	commits := atomic.LoadInt64(&s.metrics.Commits)
	fmt.Printf("Moves: %d, server commits: %d", moves, commits)
	if moves > 0 {
		fmt.Printf(" (%.1f%% of moves hit the server)", float64(commits)/float64(moves)*100)
	}
	fmt.Print("\n\n")

	printOperationReport("Drag burst", &s.metrics.DragBurst)
	printOperationReport("Doctor day view", &s.metrics.DayView)
	printOperationReport("Availability", &s.metrics.Availability)
	printOperationReport("Slot insights", &s.metrics.Insights)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
