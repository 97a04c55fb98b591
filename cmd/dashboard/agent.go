package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/live-appointment-scheduling/internal/apiclient"
	"github.com/hackgods/live-appointment-scheduling/internal/appointment"
	"github.com/hackgods/live-appointment-scheduling/internal/availability"
	"github.com/hackgods/live-appointment-scheduling/internal/civil"
	"github.com/hackgods/live-appointment-scheduling/internal/config"
	"github.com/hackgods/live-appointment-scheduling/internal/dashboard"
	"github.com/hackgods/live-appointment-scheduling/internal/event"
	"github.com/hackgods/live-appointment-scheduling/internal/liveupdate"
	redisclient "github.com/hackgods/live-appointment-scheduling/internal/redis"
	"github.com/hackgods/live-appointment-scheduling/internal/reschedule"
	"github.com/hackgods/live-appointment-scheduling/internal/retry"
	"github.com/hackgods/live-appointment-scheduling/internal/session"
	"github.com/hackgods/live-appointment-scheduling/internal/store"
)

// agent is one signed-in dashboard: the api client, the local store and
// everything that keeps it current.
type agent struct {
	cfg    config.Config
	norm   *civil.Normalizer
	client *apiclient.Client
	store  *store.Store
	avail  *availability.Fetcher
	coord  *reschedule.Coordinator
	bus    *liveupdate.Bus
	view   *dashboard.View
	rdb    *goredis.Client
	log    *zap.Logger
}

type agentFlags struct {
	role       string
	userID     int64
	hospitalID int64
	doctors    []int64
	broadcast  bool
}

type broadcastFunc func(ctx context.Context, ev event.Event) error

func (f broadcastFunc) Broadcast(ctx context.Context, ev event.Event) error { return f(ctx, ev) }

func (f agentFlags) identity() (session.Identity, error) {
	role, err := session.ParseRole(f.role)
	if err != nil {
		return session.Identity{}, err
	}
	id := session.Identity{Role: role, UserID: f.userID}
	if f.hospitalID > 0 {
		h := f.hospitalID
		id.HospitalID = &h
	}
	return id, id.Validate()
}

func newAgent(ctx context.Context, cfg config.Config, flags agentFlags, log *zap.Logger) (*agent, error) {
	id, err := flags.identity()
	if err != nil {
		return nil, err
	}
	norm, err := civil.NewNormalizer(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	client, err := apiclient.New(cfg.APIBaseURL, id, apiclient.WithLogger(log.Named("api")))
	if err != nil {
		return nil, err
	}

	a := &agent{cfg: cfg, norm: norm, client: client, store: store.New(), log: log}

	a.avail = availability.NewFetcher(client, availability.Options{
		DefaultPeriod: cfg.DefaultPeriodMinutes,
		Timeout:       cfg.AvailabilityTimeout,
		OnUpdate: func(av availability.Availability) {
			log.Debug("availability updated",
				zap.Int64("doctor_id", av.DoctorID),
				zap.String("date", av.Date),
				zap.Int("period_minutes", av.PeriodMinutes),
			)
		},
	}, log.Named("availability"))

	transports := liveupdate.Transports{
		Socket: liveupdate.NewSocketTransport(cfg.SocketURL, id, log.Named("socket")),
		SSE:    liveupdate.NewSSETransport(cfg.APIBaseURL, id, log.Named("sse")),
	}
	if flags.broadcast {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, log)
		if err != nil {
			log.Warn("redis unavailable, cross-instance sync disabled", zap.Error(err))
		} else {
			a.rdb = rdb
			ch := redisclient.NewChannel(rdb, cfg.BroadcastChannel, log)
			transports.Broadcast = liveupdate.NewBroadcastTransport(ch, log.Named("broadcast"))
			transports.Publisher = ch
		}
	}

	// the bus is built last since it takes the view's hooks; the
	// coordinator reaches it through a.bus
	broadcast := broadcastFunc(func(ctx context.Context, ev event.Event) error {
		return a.bus.Broadcast(ctx, ev)
	})

	a.coord = reschedule.New(a.store, client, norm, broadcast, reschedule.Options{
		Identity:    id,
		Debounce:    cfg.RescheduleDebounce,
		Concurrency: cfg.CommitConcurrency,
		Retry: retry.Policy{
			Attempts:  cfg.CommitAttempts,
			BaseDelay: cfg.CommitBaseDelay,
			MaxDelay:  cfg.CommitMaxDelay,
		},
		OnError: func(appointmentID int64, err error) {
			log.Error("move failed", zap.Int64("appointment_id", appointmentID), zap.Error(err))
		},
		OnSettled: func(ap appointment.Appointment) {
			log.Info("move saved",
				zap.Int64("appointment_id", ap.ID),
				zap.String("date", norm.DateKey(ap.ScheduledAt)),
				zap.String("time", norm.Clock(ap.ScheduledAt)),
			)
		},
	}, log.Named("reschedule"))

	a.view = dashboard.New(id, client, a.store, a.avail, a.coord, norm, dashboard.Options{
		Doctors: flags.doctors,
	}, log.Named("dashboard"))

	a.bus = liveupdate.NewBus(a.store, transports, a.view.BusOptions(liveupdate.Options{
		ReconnectEvery: 2 * time.Second,
		FallbackAfter:  3 * time.Second,
	}), log.Named("bus"))
	a.bus.SetDeferrer(a.coord)

	return a, nil
}

// doctors is every doctor the loaded store knows, or the single doctor for
// a doctor session with nothing loaded yet.
func (a *agent) doctors() []int64 {
	ids := a.store.Doctors()
	if len(ids) == 0 && a.client.Identity().Role == session.RoleDoctor {
		ids = []int64{a.client.Identity().UserID}
	}
	return ids
}

func (a *agent) resolveDate(date string) (string, error) {
	if date == "" {
		return a.norm.DateKey(time.Now()), nil
	}
	if !civil.ValidDate(date) {
		return "", fmt.Errorf("%w: %q", civil.ErrInvalidCivil, date)
	}
	return date, nil
}

func (a *agent) Close(ctx context.Context) {
	if err := a.coord.Drain(ctx); err != nil {
		a.log.Warn("pending moves not settled", zap.Error(err))
	}
	a.coord.Close()
	a.view.Close()
	a.avail.Close()
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}
