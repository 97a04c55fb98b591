package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/capacity"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/config"
	"github.com/hackgods/live-appointment-scheduling/internal/db"
	"github.com/hackgods/live-appointment-scheduling/internal/logging"
)

const (
	hospitalCount      = 5
	doctorsPerHospital = 8
	patientCount       = 3000
	seedDays           = 7
	batchSize          = 500
	firstClinicHour    = 8
	lastClinicHour     = 17
)

var periods = []int{10, 15, 20, 30, 60}

var reasons = []string{
	"Follow-up",
	"Annual check-up",
	"Chest pain",
	"Blood test review",
	"Vaccination",
	"Post-op review",
	"Migraine",
	"Prescription renewal",
}

type doctorRow struct {
	id         int64
	hospitalID int64
	period     int
}

type seeder struct {
	pool  *pgxpool.Pool
	faker *gofakeit.Faker
	norm  *civil.Normalizer
	log   *zap.Logger
}

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("seed failed", zap.Error(err))
	}
	log.Info("seed complete")
}

func run(cfg config.Config, log *zap.Logger) error {
	norm, err := civil.NewNormalizer(cfg.Timezone)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.DefaultPoolOptions(), log)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		return err
	}

	s := &seeder{
		pool:  pool,
		faker: gofakeit.New(uint64(time.Now().UnixNano())),
		norm:  norm,
		log:   log,
	}

	hospitals, err := s.seedHospitals(ctx, hospitalCount)
	if err != nil {
		return fmt.Errorf("seed hospitals: %w", err)
	}
	doctors, err := s.seedDoctors(ctx, hospitals, doctorsPerHospital)
	if err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}
	patients, err := s.seedPatients(ctx, patientCount)
	if err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}
	if err := s.seedSchedule(ctx, doctors, patients, seedDays); err != nil {
		return fmt.Errorf("seed schedule: %w", err)
	}
	return nil
}

func (s *seeder) seedHospitals(ctx context.Context, count int) ([]int64, error) {
	s.log.Info("seeding hospitals", zap.Int("count", count))

	ids := make([]int64, 0, count)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			var id int64
			err := tx.QueryRow(ctx, `
				INSERT INTO hospitals (name, created_at, updated_at)
				VALUES ($1, now(), now())
				RETURNING id
			`, s.faker.Company()+" Hospital").Scan(&id)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

func (s *seeder) seedDoctors(ctx context.Context, hospitals []int64, perHospital int) ([]doctorRow, error) {
	s.log.Info("seeding doctors", zap.Int("count", len(hospitals)*perHospital))

	doctors := make([]doctorRow, 0, len(hospitals)*perHospital)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, h := range hospitals {
			for i := 0; i < perHospital; i++ {
				d := doctorRow{hospitalID: h, period: periods[s.faker.Number(0, len(periods)-1)]}
				err := tx.QueryRow(ctx, `
					INSERT INTO doctors (hospital_id, name, slot_period_minutes, created_at, updated_at)
					VALUES ($1, $2, $3, now(), now())
					RETURNING id
				`, h, "Dr. "+s.faker.LastName(), d.period).Scan(&d.id)
				if err != nil {
					return err
				}
				doctors = append(doctors, d)
			}
		}
		return nil
	})
	return doctors, err
}

func (s *seeder) seedPatients(ctx context.Context, count int) ([]int64, error) {
	s.log.Info("seeding patients", zap.Int("count", count))

	ids := make([]int64, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for i := offset; i < end; i++ {
				var id int64
				err := tx.QueryRow(ctx, `
					INSERT INTO patients (name, email, created_at, updated_at)
					VALUES ($1, $2, now(), now())
					RETURNING id
				`, s.faker.Name(), s.faker.Email()).Scan(&id)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		s.log.Info("patients seeded", zap.Int("done", end), zap.Int("total", count))
	}
	return ids, nil
}

// seedSchedule books each doctor's clinic hours below capacity and opens
// slots for some of the hours left empty, one transaction per doctor.
func (s *seeder) seedSchedule(ctx context.Context, doctors []doctorRow, patients []int64, days int) error {
	today := s.norm.DateKey(time.Now())
	start, err := s.norm.At(today, "00:00")
	if err != nil {
		return err
	}

	var booked, opened int
	for _, d := range doctors {
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for day := 0; day < days; day++ {
				date := s.norm.DateKey(start.AddDate(0, 0, day))
				for hour := firstClinicHour; hour <= lastClinicHour; hour++ {
					hourStart, err := s.norm.HourStart(date, hour)
					if err != nil {
						return err
					}

					n := s.faker.Number(0, capacity.PerHour(d.period))
					if n == 0 {
						if s.faker.Number(0, 2) == 0 {
							if _, err := tx.Exec(ctx, `
								INSERT INTO slots (doctor_id, starts_at, status, created_at, updated_at)
								VALUES ($1, $2, $3, now(), now())
								ON CONFLICT (doctor_id, starts_at) DO NOTHING
							`, d.id, hourStart, appointment.SlotAvailable); err != nil {
								return err
							}
							opened++
						}
						continue
					}

					segments := capacity.Segments(hourStart, d.period)
					for i := 0; i < n; i++ {
						seg := segments[i%len(segments)]
						reason := reasons[s.faker.Number(0, len(reasons)-1)]
						if _, err := tx.Exec(ctx, `
							INSERT INTO appointments (doctor_id, patient_id, hospital_id, status, reason, scheduled_at, created_at, updated_at)
							VALUES ($1, $2, $3, $4, $5, $6, now(), now())
						`, d.id, patients[s.faker.Number(0, len(patients)-1)], d.hospitalID,
							s.status(), reason, seg.Start); err != nil {
							return err
						}
						booked++
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	s.log.Info("schedule seeded",
		zap.Int("appointments", booked),
		zap.Int("open_slots", opened),
		zap.Int("days", days),
	)
	return nil
}

func (s *seeder) status() appointment.Status {
	switch r := s.faker.Number(0, 99); {
	case r < 55:
		return appointment.StatusConfirmed
	case r < 85:
		return appointment.StatusPending
	case r < 92:
		return appointment.StatusEmergency
	case r < 97:
		return appointment.StatusCompleted
	default:
		return appointment.StatusCancelled
	}
}
