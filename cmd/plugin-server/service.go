package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openloom/plugin-server/internal/actions"
	"github.com/openloom/plugin-server/internal/ingestion"
	"github.com/openloom/plugin-server/internal/jobs"
	"github.com/openloom/plugin-server/internal/persons"
	"github.com/openloom/plugin-server/internal/plugins"
	"github.com/openloom/plugin-server/internal/scheduler"
	"github.com/openloom/plugin-server/internal/server"
	"github.com/openloom/plugin-server/internal/worker"
	"github.com/openloom/plugin-server/pkg/config"
	"github.com/openloom/plugin-server/pkg/db"
	"github.com/openloom/plugin-server/pkg/instance"
	"github.com/openloom/plugin-server/pkg/kafka"
	"github.com/openloom/plugin-server/pkg/logger"
	"github.com/openloom/plugin-server/pkg/metrics"
	"github.com/openloom/plugin-server/pkg/redis"
)

// flushEvery paces the flushQueuedWrites broadcast that drains plugin logs
// and the producer buffer.
const flushEvery = 10 * time.Second

// service owns the process lifecycle: clients, worker pool, ingestion
// surface, scheduler and health server.
type service struct {
	cfg  *config.Config
	logg *logger.Logger

	db       *db.Client
	redis    *redis.Client
	producer *kafka.Producer

	pool        *worker.Pool
	consumer    *ingestion.Consumer
	celery      *ingestion.CeleryBridge
	coordinator *scheduler.Coordinator
	dispatcher  *scheduler.Dispatcher
	poller      *jobs.Poller
	health      *server.Server

	schedule atomic.Pointer[plugins.Schedule]
}

// discardPublisher drops downstream publishes; the celery bridge re-enqueues
// finished events itself, so there is no broker to feed.
type discardPublisher struct{}

func (discardPublisher) Queue(string, []byte, []byte) error { return nil }
func (discardPublisher) Flush() error                       { return nil }

func newService(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*service, error) {
	s := &service{cfg: cfg, logg: logg}

	registry := prometheus.NewRegistry()
	workerMetrics := metrics.NewWorkerMetrics(registry)
	pipelineMetrics := metrics.NewPipelineMetrics(registry)
	schedulerMetrics := metrics.NewSchedulerMetrics(registry)

	var err error
	s.db, err = db.New(ctx, cfg.DB, logg)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping database: %w", err)
	}
	s.redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrapping redis: %w", err)
	}

	var publisher interface {
		Queue(topic string, key, value []byte) error
		Flush() error
	} = discardPublisher{}
	if cfg.Kafka.Enabled {
		s.producer, err = kafka.NewProducer(cfg.Kafka, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrapping producer: %w", err)
		}
		publisher = s.producer
	}

	jobQueue, err := jobs.NewQueue(s.db.DB(), cfg.JobQueue.GraphileSchema, cfg.JobQueue.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("building job queue: %w", err)
	}

	personsParams := persons.ServiceParams{
		Repo: persons.NewRepository(s.db.DB()),
		Tx:   s.db,
		Logg: logg,
	}
	if s.producer != nil {
		personsParams.Producer = s.producer
		personsParams.PersonTopic = cfg.Kafka.PersonTopic
		personsParams.PersonUniqueIDTopic = cfg.Kafka.PersonUniqueIDTopic
	}
	personsSvc, err := persons.NewService(personsParams)
	if err != nil {
		return nil, fmt.Errorf("building persons service: %w", err)
	}

	teamMgr, err := ingestion.NewTeamManager(ingestion.NewTeamRepository(s.db.DB()), logg)
	if err != nil {
		return nil, fmt.Errorf("building team manager: %w", err)
	}
	elements, err := ingestion.NewElementsStore(s.db.DB())
	if err != nil {
		return nil, fmt.Errorf("building elements store: %w", err)
	}
	var geo server.GeoIP = server.DisabledGeoIP()
	if !cfg.GeoIP.DisableMMDB {
		geo, err = server.NewMMDBGeoIP(cfg.GeoIP.MMDBPath)
		if err != nil {
			logg.Error(ctx, "geoip database unavailable; events publish without location", err)
			geo = server.DisabledGeoIP()
		}
	}

	processor, err := ingestion.NewProcessor(ingestion.ProcessorParams{
		Teams:    teamMgr,
		Persons:  personsSvc,
		Elements: elements,
		Producer: publisher,
		Topics: ingestion.Topics{
			Events:           cfg.Kafka.EventsTopic,
			SessionRecording: cfg.Kafka.SessionRecordingTopic,
		},
		GeoIP:   geo,
		Logg:    logg,
		Metrics: pipelineMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building processor: %w", err)
	}

	// One log buffer and repository shared across workers; each worker gets
	// its own plugin manager so VM state is never shared.
	pluginRepo := plugins.NewRepository(s.db.DB())
	logWriter := plugins.NewLogWriter(pluginRepo, logg)
	actionRepo := actions.NewRepository(s.db.DB())

	var factoryErr error
	s.pool, err = worker.NewPool(worker.PoolParams{
		Size:       cfg.Worker.Concurrency,
		QueueDepth: cfg.Worker.PoolCapacity(),
		Timeout:    cfg.Worker.TaskTimeout(),
		Factory: func(workerID int) worker.Runner {
			runner, err := buildRunner(runnerParams{
				pluginRepo: pluginRepo,
				actionRepo: actionRepo,
				cache:      s.redis,
				logWriter:  logWriter,
				jobQueue:   jobQueue,
				processor:  processor,
				publisher:  publisher,
				logg:       logg,
				metrics:    pipelineMetrics,
			})
			if err != nil && factoryErr == nil {
				factoryErr = err
			}
			return runner
		},
		Logg:    logg,
		Metrics: workerMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building worker pool: %w", err)
	}
	if factoryErr != nil {
		return nil, fmt.Errorf("building worker runner: %w", factoryErr)
	}

	if cfg.Kafka.Enabled {
		group, err := kafka.NewConsumerGroup(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("joining consumer group: %w", err)
		}
		s.consumer, err = ingestion.NewConsumer(ingestion.ConsumerParams{
			Group:    group,
			Topic:    cfg.Kafka.ConsumptionTopic,
			Pool:     s.pool,
			Capacity: cfg.Worker.PoolCapacity(),
			Logg:     logg,
			Metrics:  pipelineMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("building consumer: %w", err)
		}
	} else {
		s.celery, err = ingestion.NewCeleryBridge(ingestion.CeleryBridgeParams{
			Redis:        s.redis,
			PluginsQueue: cfg.Celery.PluginsQueue,
			DefaultQueue: cfg.Celery.DefaultQueue,
			IngestedTask: cfg.Celery.IngestedTask,
			Pool:         s.pool,
			Capacity:     cfg.Worker.PoolCapacity(),
			Logg:         logg,
			Metrics:      pipelineMetrics,
		})
		if err != nil {
			return nil, fmt.Errorf("building celery bridge: %w", err)
		}
	}

	lock, err := scheduler.NewLock(s.redis, scheduler.LockKey, cfg.Scheduler.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("building scheduler lock: %w", err)
	}
	s.dispatcher, err = scheduler.NewDispatcher(scheduler.DispatcherParams{
		Pool:     s.pool,
		Schedule: s.schedule.Load,
		Logg:     logg,
		Metrics:  schedulerMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("building dispatcher: %w", err)
	}
	s.coordinator, err = scheduler.NewCoordinator(scheduler.CoordinatorParams{
		Lock:    lock,
		Logg:    logg,
		Metrics: schedulerMetrics,
		OnLead: func(leaderCtx context.Context) {
			// Leadership starts from a fresh schedule snapshot.
			s.reloadSchedule(leaderCtx)
			s.dispatcher.Run(leaderCtx)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("building coordinator: %w", err)
	}
	s.poller, err = jobs.NewPoller(jobs.PollerParams{
		Queue:     jobQueue,
		Pool:      s.pool,
		Gate:      s.coordinator.IsLeader,
		Interval:  cfg.JobQueue.PollInterval,
		BatchSize: cfg.JobQueue.BatchSize,
		Logg:      logg,
	})
	if err != nil {
		return nil, fmt.Errorf("building job poller: %w", err)
	}

	s.health, err = server.New(server.Params{
		Port:     cfg.App.HealthPort,
		DB:       s.db,
		Redis:    s.redis,
		Gatherer: registry,
		Logg:     logg,
	})
	if err != nil {
		return nil, fmt.Errorf("building health server: %w", err)
	}

	return s, nil
}

// Run blocks until ctx cancels or the ingestion surface fails fatally.
func (s *service) Run(ctx context.Context) error {
	go func() {
		if err := s.health.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logg.Error(ctx, "health server failed", err)
		}
	}()

	// Load plugins on every worker before admitting events.
	if result := s.pool.RunTask(ctx, worker.Task{Kind: worker.KindReloadPlugins}).Wait(ctx); result.Err != nil {
		return fmt.Errorf("loading plugins: %w", result.Err)
	}
	s.reloadSchedule(ctx)
	if result := s.pool.RunTask(ctx, worker.Task{Kind: worker.KindReloadAllActions}).Wait(ctx); result.Err != nil {
		return fmt.Errorf("loading actions: %w", result.Err)
	}

	if s.cfg.App.IngestionEnabled {
		if s.consumer != nil {
			s.consumer.Start(ctx)
			// Group membership is asynchronous; hold startup until the first
			// session has partitions so "running" means "consuming".
			select {
			case <-s.consumer.Ready():
				s.logg.Info(ctx, "consumer joined the group")
			case err := <-s.consumer.Fatal():
				return fmt.Errorf("consumer failed before joining the group: %w", err)
			case <-ctx.Done():
				return ctx.Err()
			}
		} else {
			s.celery.Start(ctx)
		}
	}
	s.coordinator.Start(ctx)
	s.poller.Start(ctx)

	flusher := time.NewTicker(flushEvery)
	defer flusher.Stop()

	var fatal <-chan error
	if s.consumer != nil {
		fatal = s.consumer.Fatal()
	}
	for {
		select {
		case <-flusher.C:
			if result := s.pool.RunTask(ctx, worker.Task{Kind: worker.KindFlushQueuedWrites}).Wait(ctx); result.Err != nil {
				s.logg.Error(ctx, "flushing queued writes", result.Err)
			}
		case err := <-fatal:
			return fmt.Errorf("consumer failed: %w", err)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// reloadSchedule fans the schedule reload to every worker and caches the
// merged result for the dispatcher.
func (s *service) reloadSchedule(ctx context.Context) {
	result := s.pool.RunTask(ctx, worker.Task{Kind: worker.KindReloadSchedule}).Wait(ctx)
	if result.Err != nil {
		s.logg.Error(ctx, "loading plugin schedule", result.Err)
		return
	}
	s.schedule.Store(result.Schedule)
}

// Close drains the process in dependency order: stop intake, stop scheduled
// work, tear down plugin VMs, then flush and close the clients.
func (s *service) Close(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.consumer != nil {
		if err := s.consumer.Stop(); err != nil {
			s.logg.Error(shutdownCtx, "stopping consumer", err)
		}
	}
	if s.celery != nil {
		s.celery.Stop()
	}
	if s.poller != nil {
		s.poller.Stop()
	}
	if s.coordinator != nil {
		s.coordinator.Stop()
	}

	if s.pool != nil {
		if result := s.pool.RunTask(shutdownCtx, worker.Task{Kind: worker.KindTeardownPlugins}).Wait(shutdownCtx); result.Err != nil {
			s.logg.Error(shutdownCtx, "tearing down plugins", result.Err)
		}
		s.pool.Stop()
	}

	if s.producer != nil {
		if err := s.producer.Close(); err != nil {
			s.logg.Error(shutdownCtx, "closing producer", err)
		}
	}
	if s.health != nil {
		if err := s.health.Shutdown(shutdownCtx); err != nil {
			s.logg.Error(shutdownCtx, "stopping health server", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logg.Error(shutdownCtx, "closing redis", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logg.Error(shutdownCtx, "closing database", err)
		}
	}
}

type runnerParams struct {
	pluginRepo plugins.Repository
	actionRepo actions.Repository
	cache      *redis.Client
	logWriter  *plugins.LogWriter
	jobQueue   *jobs.Queue
	processor  *ingestion.Processor
	publisher interface {
		Queue(topic string, key, value []byte) error
		Flush() error
	}
	logg    *logger.Logger
	metrics *metrics.PipelineMetrics
}

// buildRunner assembles one worker's isolated execution context.
func buildRunner(params runnerParams) (worker.Runner, error) {
	pluginMgr, err := plugins.NewManager(plugins.ManagerParams{
		Repo:       params.pluginRepo,
		Cache:      params.cache,
		Logs:       params.logWriter,
		Logg:       params.logg,
		InstanceID: instance.ID(),
		Jobs:       params.jobQueue,
	})
	if err != nil {
		return nil, err
	}
	actionMgr, err := actions.NewManager(params.actionRepo, params.logg)
	if err != nil {
		return nil, err
	}
	return ingestion.NewExecutor(ingestion.ExecutorParams{
		Plugins:   pluginMgr,
		Actions:   actionMgr,
		Processor: params.processor,
		Flusher:   params.publisher,
		Logg:      params.logg,
		Metrics:   params.metrics,
	})
}
