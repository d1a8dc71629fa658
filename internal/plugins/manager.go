package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/logger"
)

// ConfigVM pairs a plugin config snapshot with its lazily compiled runtime.
type ConfigVM struct {
	Config      models.PluginConfig
	Plugin      models.Plugin
	Attachments map[string]models.PluginAttachment
	VM          *LazyVM
}

// Schedule maps each periodicity to the plugin config ids exporting it.
type Schedule struct {
	RunEveryMinute []int
	RunEveryHour   []int
	RunEveryDay    []int
}

// ForTask returns the config ids registered for a scheduled-task name.
func (s *Schedule) ForTask(name string) []int {
	if s == nil {
		return nil
	}
	switch name {
	case TaskRunEveryMinute:
		return s.RunEveryMinute
	case TaskRunEveryHour:
		return s.RunEveryHour
	case TaskRunEveryDay:
		return s.RunEveryDay
	default:
		return nil
	}
}

// ManagerParams carries the dependencies for NewManager.
type ManagerParams struct {
	Repo       Repository
	Cache      kvStore
	Logs       *LogWriter
	Logg       *logger.Logger
	InstanceID uuid.UUID

	// Jobs is optional; without it plugins cannot enqueue background jobs.
	Jobs jobEnqueuer

	// Compile overrides the wasm compiler; tests inject stub VMs here.
	Compile func(ctx context.Context, params CompileParams) (*VM, error)
}

// Manager owns the team → ordered pipeline map, the VM cache and the plugin
// schedule. One manager lives per worker; the repository, cache and log
// buffer behind it are shared and thread-safe.
type Manager struct {
	repo       Repository
	cache      kvStore
	logs       *LogWriter
	logg       *logger.Logger
	jobs       jobEnqueuer
	instanceID uuid.UUID
	compile    func(ctx context.Context, params CompileParams) (*VM, error)

	// lifetime outlives any single task context; materialization and discard
	// goroutines run on it so setup retries are not cut short when the reload
	// call that scheduled them returns. Only Teardown cancels it.
	lifetime context.Context
	stop     context.CancelFunc

	mu       sync.RWMutex
	configs  map[int]*ConfigVM
	byTeam   map[int][]*ConfigVM
	schedule *Schedule
}

// NewManager creates an empty lifecycle manager; call SetupPlugins to load.
func NewManager(params ManagerParams) (*Manager, error) {
	if params.Repo == nil {
		return nil, errors.New("plugin repository is required")
	}
	if params.Cache == nil {
		return nil, errors.New("cache client is required")
	}
	if params.Logs == nil {
		return nil, errors.New("log writer is required")
	}
	if params.Logg == nil {
		return nil, errors.New("logger is required")
	}
	compile := params.Compile
	if compile == nil {
		compile = CompileVM
	}
	lifetime, stop := context.WithCancel(context.Background())
	return &Manager{
		repo:       params.Repo,
		cache:      params.Cache,
		logs:       params.Logs,
		logg:       params.Logg,
		jobs:       params.Jobs,
		instanceID: params.InstanceID,
		compile:    compile,
		lifetime:   lifetime,
		stop:       stop,
		configs:    map[int]*ConfigVM{},
		byTeam:     map[int][]*ConfigVM{},
	}, nil
}

// SetupPlugins loads plugin, attachment and config rows and rebuilds the
// per-team pipelines. A previously compiled VM is reused iff neither the
// config nor its plugin changed since the prior snapshot; everything else is
// scheduled for (re)compilation. The cached schedule is invalidated until
// LoadSchedule runs again.
func (m *Manager) SetupPlugins(ctx context.Context) error {
	pluginRows, err := m.repo.LoadPlugins(ctx)
	if err != nil {
		return fmt.Errorf("loading plugins: %w", err)
	}
	attachmentRows, err := m.repo.LoadAttachments(ctx)
	if err != nil {
		return fmt.Errorf("loading plugin attachments: %w", err)
	}
	configRows, err := m.repo.LoadConfigs(ctx)
	if err != nil {
		return fmt.Errorf("loading plugin configs: %w", err)
	}

	pluginsByID := make(map[int]models.Plugin, len(pluginRows))
	for _, plugin := range pluginRows {
		pluginsByID[plugin.ID] = plugin
	}
	attachmentsByConfig := map[int]map[string]models.PluginAttachment{}
	for _, attachment := range attachmentRows {
		byKey := attachmentsByConfig[attachment.PluginConfigID]
		if byKey == nil {
			byKey = map[string]models.PluginAttachment{}
			attachmentsByConfig[attachment.PluginConfigID] = byKey
		}
		byKey[attachment.Key] = attachment
	}

	m.mu.RLock()
	previous := m.configs
	m.mu.RUnlock()

	configs := make(map[int]*ConfigVM, len(configRows))
	byTeam := map[int][]*ConfigVM{}
	var discarded []*ConfigVM

	for _, config := range configRows {
		plugin, ok := pluginsByID[config.PluginID]
		if !ok {
			m.logg.Warn(m.logg.WithPluginConfig(ctx, config.ID), "plugin config references missing plugin")
			continue
		}

		cv := &ConfigVM{
			Config:      config,
			Plugin:      plugin,
			Attachments: attachmentsByConfig[config.ID],
		}
		if prev, ok := previous[config.ID]; ok &&
			prev.Config.UpdatedAt.Equal(config.UpdatedAt) &&
			prev.Plugin.UpdatedAt.Equal(plugin.UpdatedAt) {
			cv.VM = prev.VM
		} else {
			if prev != nil {
				discarded = append(discarded, prev)
			}
			cv.VM = NewLazyVM(plugin.ID, config.ID, config.TeamID)
			go m.materializeConfig(m.lifetime, cv)
		}

		configs[config.ID] = cv
		byTeam[config.TeamID] = append(byTeam[config.TeamID], cv)
	}

	for id, prev := range previous {
		if _, kept := configs[id]; !kept {
			discarded = append(discarded, prev)
		}
	}

	for _, pipeline := range byTeam {
		sort.SliceStable(pipeline, func(i, j int) bool {
			if pipeline[i].Config.Order != pipeline[j].Config.Order {
				return pipeline[i].Config.Order < pipeline[j].Config.Order
			}
			return pipeline[i].Config.ID < pipeline[j].Config.ID
		})
	}

	m.mu.Lock()
	m.configs = configs
	m.byTeam = byTeam
	m.schedule = nil
	m.mu.Unlock()

	for _, old := range discarded {
		go m.discardVM(m.lifetime, old)
	}

	m.logg.Info(m.logg.WithFields(ctx, map[string]any{
		"plugins": len(pluginRows),
		"configs": len(configRows),
		"teams":   len(byTeam),
	}), "plugin configs loaded")
	return nil
}

func (m *Manager) materializeConfig(ctx context.Context, cv *ConfigVM) {
	logCtx := m.logg.WithFields(ctx, map[string]any{
		"plugin_id":        cv.Plugin.ID,
		"plugin_config_id": cv.Config.ID,
		"team_id":          cv.Config.TeamID,
	})

	vm, err := materialize(ctx, func(ctx context.Context) (*VM, error) {
		return m.compile(ctx, CompileParams{
			Plugin:      cv.Plugin,
			Config:      cv.Config,
			Attachments: cv.Attachments,
			Cache:       m.cache,
			Logs:        m.logs,
			Jobs:        m.jobs,
			InstanceID:  m.instanceID,
		})
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// Lifetime ended mid-compile: shutdown, not a plugin failure.
			cv.VM.fail(err)
			return
		}
		m.logg.Error(logCtx, "plugin permanently failed to initialize", err)
		pluginErr := &models.PluginError{Message: err.Error(), Time: time.Now().UTC()}
		if dbErr := m.repo.DisableConfig(ctx, cv.Config.ID, pluginErr); dbErr != nil {
			m.logg.Error(logCtx, "disabling failed plugin config", dbErr)
		}
		m.systemLog(cv, models.LogTypeError, "Plugin failed to initialize and was disabled: "+err.Error())
		cv.VM.fail(err)
		return
	}

	if !reflect.DeepEqual(cv.Plugin.Capabilities, &vm.Capabilities) {
		if dbErr := m.repo.SaveCapabilities(ctx, cv.Plugin.ID, &vm.Capabilities); dbErr != nil {
			m.logg.Error(logCtx, "persisting plugin capabilities", dbErr)
		}
	}
	m.systemLog(cv, models.LogTypeInfo, "Plugin loaded")
	m.logg.Debug(logCtx, "plugin vm ready")
	cv.VM.resolve(vm)
}

// discardVM tears a replaced runtime down once, flushing teardown writes.
func (m *Manager) discardVM(ctx context.Context, cv *ConfigVM) {
	vm, state := cv.VM.TryGet()
	if state != StateReady || vm == nil {
		return
	}
	if vm.Methods.Teardown != nil {
		if err := vm.Methods.Teardown(ctx); err != nil {
			m.recordError(ctx, cv, err, nil)
		}
	}
	if err := m.logs.Flush(ctx); err != nil {
		m.logg.Error(ctx, "flushing logs during vm discard", err)
	}
	if err := vm.Close(ctx); err != nil {
		m.logg.Error(ctx, "closing discarded vm", err)
	}
	m.systemLog(cv, models.LogTypeInfo, "Plugin unloaded")
}

// PipelineForTeam returns the ordered configs for a team.
func (m *Manager) PipelineForTeam(teamID int) []*ConfigVM {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byTeam[teamID]
}

// ConfigByID looks a config up by id.
func (m *Manager) ConfigByID(configID int) (*ConfigVM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cv, ok := m.configs[configID]
	return cv, ok
}

// RunProcessEvent feeds the event through the team's pipeline in (order, id)
// order. A pending or failed VM is skipped; a plugin error passes the event
// through unchanged; a plugin returning null drops the event (nil result).
func (m *Manager) RunProcessEvent(ctx context.Context, ev *event.PluginEvent) (*event.PluginEvent, error) {
	current := ev
	for _, cv := range m.PipelineForTeam(ev.TeamID) {
		vm, state := cv.VM.TryGet()
		if state == StatePending {
			m.logg.Debug(m.logg.WithPluginConfig(ctx, cv.Config.ID), "vm still compiling, skipping for this event")
			continue
		}
		if vm == nil || vm.Methods.ProcessEvent == nil {
			continue
		}
		returned, err := vm.Methods.ProcessEvent(ctx, current)
		if err != nil {
			m.recordError(ctx, cv, err, current)
			continue
		}
		if returned == nil {
			return nil, nil
		}
		current = returned
	}
	return current, nil
}

// RunProcessEventBatch runs the batch pipeline, preferring processEventBatch
// over per-event processEvent where a plugin exports it. Dropped events leave
// the batch.
func (m *Manager) RunProcessEventBatch(ctx context.Context, evs []*event.PluginEvent) ([]*event.PluginEvent, error) {
	byTeam := map[int][]*event.PluginEvent{}
	var teams []int
	for _, ev := range evs {
		if _, seen := byTeam[ev.TeamID]; !seen {
			teams = append(teams, ev.TeamID)
		}
		byTeam[ev.TeamID] = append(byTeam[ev.TeamID], ev)
	}

	var out []*event.PluginEvent
	for _, teamID := range teams {
		batch := byTeam[teamID]
		for _, cv := range m.PipelineForTeam(teamID) {
			vm, state := cv.VM.TryGet()
			if state == StatePending || vm == nil {
				continue
			}
			switch {
			case vm.Methods.ProcessEventBatch != nil:
				returned, err := vm.Methods.ProcessEventBatch(ctx, batch)
				if err != nil {
					m.recordError(ctx, cv, err, nil)
					continue
				}
				batch = compactEvents(returned)
			case vm.Methods.ProcessEvent != nil:
				var kept []*event.PluginEvent
				for _, ev := range batch {
					returned, err := vm.Methods.ProcessEvent(ctx, ev)
					if err != nil {
						m.recordError(ctx, cv, err, ev)
						kept = append(kept, ev)
						continue
					}
					if returned != nil {
						kept = append(kept, returned)
					}
				}
				batch = kept
			}
			if len(batch) == 0 {
				break
			}
		}
		out = append(out, batch...)
	}
	return out, nil
}

// OnEvent offers a finished event to every VM exporting onEvent. Events a
// pipeline plugin dropped never reach here.
func (m *Manager) OnEvent(ctx context.Context, ev *event.PluginEvent) {
	for _, cv := range m.PipelineForTeam(ev.TeamID) {
		vm, _ := cv.VM.TryGet()
		if vm == nil || vm.Methods.OnEvent == nil {
			continue
		}
		if err := vm.Methods.OnEvent(ctx, ev); err != nil {
			m.recordError(ctx, cv, err, ev)
		}
	}
}

// OnSnapshot offers a session-recording event to every VM exporting onSnapshot.
func (m *Manager) OnSnapshot(ctx context.Context, ev *event.PluginEvent) {
	for _, cv := range m.PipelineForTeam(ev.TeamID) {
		vm, _ := cv.VM.TryGet()
		if vm == nil || vm.Methods.OnSnapshot == nil {
			continue
		}
		if err := vm.Methods.OnSnapshot(ctx, ev); err != nil {
			m.recordError(ctx, cv, err, ev)
		}
	}
}

// RunScheduledTask invokes one periodic export on one config. Scheduled work
// awaits a pending VM instead of skipping it.
func (m *Manager) RunScheduledTask(ctx context.Context, configID int, taskName string) error {
	cv, ok := m.ConfigByID(configID)
	if !ok {
		return fmt.Errorf("unknown plugin config %d", configID)
	}
	vm, err := cv.VM.Await(ctx)
	if err != nil {
		return err
	}
	if vm == nil {
		return nil
	}
	task, ok := vm.Tasks[taskName]
	if !ok {
		return nil
	}
	if err := task(ctx); err != nil {
		m.recordError(ctx, cv, err, nil)
		return err
	}
	return nil
}

// RunJob invokes the job export a plugin registered for job.Name.
func (m *Manager) RunJob(ctx context.Context, job *models.PluginJob) error {
	cv, ok := m.ConfigByID(job.PluginConfigID)
	if !ok {
		return fmt.Errorf("unknown plugin config %d", job.PluginConfigID)
	}
	vm, err := cv.VM.Await(ctx)
	if err != nil {
		return err
	}
	if vm == nil {
		return nil
	}
	run, ok := vm.Jobs[job.Name]
	if !ok {
		return fmt.Errorf("plugin config %d serves no job %q", job.PluginConfigID, job.Name)
	}
	if err := run(ctx, job.Payload); err != nil {
		m.recordError(ctx, cv, err, nil)
		return err
	}
	return nil
}

// LoadSchedule awaits every VM and rebuilds the periodicity → config id map.
// Until the first load completes, Schedule returns nil and consumers wait.
func (m *Manager) LoadSchedule(ctx context.Context) (*Schedule, error) {
	m.mu.RLock()
	configs := make([]*ConfigVM, 0, len(m.configs))
	for _, cv := range m.configs {
		configs = append(configs, cv)
	}
	m.mu.RUnlock()

	sort.Slice(configs, func(i, j int) bool { return configs[i].Config.ID < configs[j].Config.ID })

	schedule := &Schedule{}
	for _, cv := range configs {
		vm, err := cv.VM.Await(ctx)
		if err != nil {
			return nil, err
		}
		if vm == nil {
			continue
		}
		if _, ok := vm.Tasks[TaskRunEveryMinute]; ok {
			schedule.RunEveryMinute = append(schedule.RunEveryMinute, cv.Config.ID)
		}
		if _, ok := vm.Tasks[TaskRunEveryHour]; ok {
			schedule.RunEveryHour = append(schedule.RunEveryHour, cv.Config.ID)
		}
		if _, ok := vm.Tasks[TaskRunEveryDay]; ok {
			schedule.RunEveryDay = append(schedule.RunEveryDay, cv.Config.ID)
		}
	}

	m.mu.Lock()
	m.schedule = schedule
	m.mu.Unlock()
	return schedule, nil
}

// Schedule returns the cached schedule, nil until LoadSchedule completes.
func (m *Manager) Schedule() *Schedule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.schedule
}

// FlushLogs drains the buffered plugin log entries to the store.
func (m *Manager) FlushLogs(ctx context.Context) error {
	return m.logs.Flush(ctx)
}

// Teardown calls teardownPlugin on every ready VM, flushes the log buffer and
// closes the runtimes. Failures are aggregated, not short-circuited.
func (m *Manager) Teardown(ctx context.Context) error {
	// End the lifetime first: in-flight materializations abort and their
	// handles resolve failed, so the loop below skips them.
	m.stop()

	m.mu.RLock()
	configs := make([]*ConfigVM, 0, len(m.configs))
	for _, cv := range m.configs {
		configs = append(configs, cv)
	}
	m.mu.RUnlock()

	var errs error
	for _, cv := range configs {
		vm, state := cv.VM.TryGet()
		if state != StateReady || vm == nil {
			continue
		}
		if vm.Methods.Teardown != nil {
			if err := vm.Methods.Teardown(ctx); err != nil {
				m.recordError(ctx, cv, err, nil)
				errs = multierr.Append(errs, err)
			}
		}
		if err := vm.Close(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := m.logs.Flush(ctx); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// recordError attaches a runtime error to the offending config. The pipeline
// keeps going; errors here never abort ingestion.
func (m *Manager) recordError(ctx context.Context, cv *ConfigVM, err error, ev *event.PluginEvent) {
	logCtx := m.logg.WithPluginConfig(ctx, cv.Config.ID)
	m.logg.Error(logCtx, "plugin errored during execution", err)

	pluginErr := &models.PluginError{Message: err.Error(), Time: time.Now().UTC()}
	if ev != nil {
		if raw, marshalErr := json.Marshal(ev); marshalErr == nil {
			pluginErr.Event = raw
		}
	}
	if dbErr := m.repo.RecordConfigError(ctx, cv.Config.ID, pluginErr); dbErr != nil {
		m.logg.Error(logCtx, "recording plugin error", dbErr)
	}
	m.systemLog(cv, models.LogTypeError, err.Error())
}

func (m *Manager) systemLog(cv *ConfigVM, logType, message string) {
	m.logs.Append(models.PluginLogEntry{
		TeamID:         cv.Config.TeamID,
		PluginID:       cv.Plugin.ID,
		PluginConfigID: cv.Config.ID,
		Timestamp:      time.Now().UTC(),
		Source:         models.LogSourceSystem,
		Type:           logType,
		Message:        message,
		InstanceID:     m.instanceID,
	})
}

func compactEvents(evs []*event.PluginEvent) []*event.PluginEvent {
	kept := evs[:0]
	for _, ev := range evs {
		if ev != nil {
			kept = append(kept, ev)
		}
	}
	return kept
}
