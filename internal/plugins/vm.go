package plugins

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/google/uuid"

	"github.com/openloom/plugin-server/internal/event"
	"github.com/openloom/plugin-server/pkg/db/models"
)

// Method export names recognized on a compiled plugin.
const (
	MethodSetup             = "setupPlugin"
	MethodProcessEvent      = "processEvent"
	MethodProcessEventBatch = "processEventBatch"
	MethodOnEvent           = "onEvent"
	MethodOnSnapshot        = "onSnapshot"
	MethodExportEvents      = "exportEvents"
	MethodTeardown          = "teardownPlugin"
)

// Scheduled-task export names.
const (
	TaskRunEveryMinute = "runEveryMinute"
	TaskRunEveryHour   = "runEveryHour"
	TaskRunEveryDay    = "runEveryDay"
)

// jobsIndexExport lists the job names a plugin serves; each name N is invoked
// through its "job_N" export.
const (
	jobsIndexExport = "jobs"
	jobExportPrefix = "job_"
)

var methodExports = []string{
	MethodProcessEvent,
	MethodProcessEventBatch,
	MethodOnEvent,
	MethodOnSnapshot,
	MethodExportEvents,
	MethodTeardown,
}

var taskExports = []string{TaskRunEveryMinute, TaskRunEveryHour, TaskRunEveryDay}

// Methods is the tagged record of optional plugin entry points. A nil field
// means the compiled plugin does not export that method; callers dispatch on
// presence.
type Methods struct {
	// ProcessEvent returns nil when the plugin dropped the event.
	ProcessEvent      func(ctx context.Context, ev *event.PluginEvent) (*event.PluginEvent, error)
	ProcessEventBatch func(ctx context.Context, evs []*event.PluginEvent) ([]*event.PluginEvent, error)
	OnEvent           func(ctx context.Context, ev *event.PluginEvent) error
	OnSnapshot        func(ctx context.Context, ev *event.PluginEvent) error
	ExportEvents      func(ctx context.Context, evs []*event.PluginEvent) error
	Teardown          func(ctx context.Context) error
}

// VM is a materialized plugin runtime bound to one plugin config. The wasm
// module's linear memory doubles as the per-VM mutable global state; a VM is
// owned by a single worker and runs one call at a time.
type VM struct {
	Methods      Methods
	Tasks        map[string]func(ctx context.Context) error
	Jobs         map[string]func(ctx context.Context, payload map[string]any) error
	Capabilities models.PluginCapabilities

	closeFn func(ctx context.Context) error
}

// Close tears the runtime down. Safe on a nil VM.
func (vm *VM) Close(ctx context.Context) error {
	if vm == nil || vm.closeFn == nil {
		return nil
	}
	return vm.closeFn(ctx)
}

// kvStore is the slice of the redis client the VM host functions use.
type kvStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	PluginCacheKey(pluginID, teamID int, key string) string
}

// logSink buffers structured plugin log rows.
type logSink interface {
	Append(entry models.PluginLogEntry)
}

// jobEnqueuer persists a job a plugin asked to run later.
type jobEnqueuer interface {
	EnqueueJob(ctx context.Context, teamID, pluginConfigID int, name string, payload map[string]any, runAt time.Time) error
}

// CompileParams carries everything one VM materialization needs.
type CompileParams struct {
	Plugin      models.Plugin
	Config      models.PluginConfig
	Attachments map[string]models.PluginAttachment
	Cache       kvStore
	Logs        logSink
	Jobs        jobEnqueuer
	InstanceID  uuid.UUID
}

// CompileVM resolves the plugin payload to a wasm module, instantiates it
// with the host functions, runs setupPlugin when exported, and probes the
// recognized exports into the capability record.
func CompileVM(ctx context.Context, params CompileParams) (*VM, error) {
	wasm, err := resolveWasm(params.Plugin)
	if err != nil {
		return nil, err
	}

	configJSON, err := json.Marshal(params.Config.Config)
	if err != nil {
		return nil, fmt.Errorf("marshaling plugin config: %w", err)
	}

	host := &hostState{params: params}
	manifest := extism.Manifest{
		Wasm: []extism.Wasm{extism.WasmData{Data: wasm, Name: params.Plugin.Name}},
		Config: map[string]string{
			"config":           string(configJSON),
			"team_id":          fmt.Sprint(params.Config.TeamID),
			"plugin_id":        fmt.Sprint(params.Plugin.ID),
			"plugin_config_id": fmt.Sprint(params.Config.ID),
		},
	}

	plugin, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{EnableWasi: true}, host.functions())
	if err != nil {
		return nil, fmt.Errorf("instantiating plugin module: %w", err)
	}

	vm := buildVM(plugin)
	if plugin.FunctionExists(MethodSetup) {
		exit, out, callErr := call(ctx, plugin, &vm.mu, MethodSetup, nil)
		if callErr != nil || exit != 0 {
			_ = plugin.Close()
			return nil, markSetupError(out, callErr)
		}
	}
	return vm.VM, nil
}

// lockedVM pairs the VM with the mutex serializing wasm calls.
type lockedVM struct {
	*VM
	mu sync.Mutex
}

func buildVM(plugin *extism.Plugin) *lockedVM {
	vm := &lockedVM{VM: &VM{
		Tasks: map[string]func(ctx context.Context) error{},
		Jobs:  map[string]func(ctx context.Context, payload map[string]any) error{},
	}}
	vm.closeFn = func(ctx context.Context) error { return plugin.Close() }

	caps := models.PluginCapabilities{}
	for _, name := range methodExports {
		if plugin.FunctionExists(name) {
			caps.Methods = append(caps.Methods, name)
		}
	}
	for _, name := range taskExports {
		if !plugin.FunctionExists(name) {
			continue
		}
		caps.ScheduledTasks = append(caps.ScheduledTasks, name)
		export := name
		vm.Tasks[export] = func(ctx context.Context) error {
			exit, out, err := call(ctx, plugin, &vm.mu, export, nil)
			return callError(export, exit, out, err)
		}
	}
	for _, name := range jobNames(plugin) {
		export := jobExportPrefix + name
		if !plugin.FunctionExists(export) {
			continue
		}
		caps.Jobs = append(caps.Jobs, name)
		vm.Jobs[name] = func(ctx context.Context, payload map[string]any) error {
			input, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("marshaling job payload: %w", err)
			}
			exit, out, err := call(ctx, plugin, &vm.mu, export, input)
			return callError(export, exit, out, err)
		}
	}
	vm.Capabilities = caps

	if plugin.FunctionExists(MethodProcessEvent) {
		vm.Methods.ProcessEvent = func(ctx context.Context, ev *event.PluginEvent) (*event.PluginEvent, error) {
			return callWithEvent(ctx, plugin, &vm.mu, MethodProcessEvent, ev)
		}
	}
	if plugin.FunctionExists(MethodProcessEventBatch) {
		vm.Methods.ProcessEventBatch = func(ctx context.Context, evs []*event.PluginEvent) ([]*event.PluginEvent, error) {
			return callWithBatch(ctx, plugin, &vm.mu, MethodProcessEventBatch, evs)
		}
	}
	if plugin.FunctionExists(MethodOnEvent) {
		vm.Methods.OnEvent = func(ctx context.Context, ev *event.PluginEvent) error {
			_, err := callWithEvent(ctx, plugin, &vm.mu, MethodOnEvent, ev)
			return err
		}
	}
	if plugin.FunctionExists(MethodOnSnapshot) {
		vm.Methods.OnSnapshot = func(ctx context.Context, ev *event.PluginEvent) error {
			_, err := callWithEvent(ctx, plugin, &vm.mu, MethodOnSnapshot, ev)
			return err
		}
	}
	if plugin.FunctionExists(MethodExportEvents) {
		vm.Methods.ExportEvents = func(ctx context.Context, evs []*event.PluginEvent) error {
			_, err := callWithBatch(ctx, plugin, &vm.mu, MethodExportEvents, evs)
			return err
		}
	}
	if plugin.FunctionExists(MethodTeardown) {
		vm.Methods.Teardown = func(ctx context.Context) error {
			exit, out, err := call(ctx, plugin, &vm.mu, MethodTeardown, nil)
			return callError(MethodTeardown, exit, out, err)
		}
	}
	return vm
}

func jobNames(plugin *extism.Plugin) []string {
	if !plugin.FunctionExists(jobsIndexExport) {
		return nil
	}
	exit, out, err := plugin.Call(jobsIndexExport, nil)
	if err != nil || exit != 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(out, &names); err != nil {
		return nil
	}
	return names
}

func call(ctx context.Context, plugin *extism.Plugin, mu *sync.Mutex, name string, input []byte) (uint32, []byte, error) {
	mu.Lock()
	defer mu.Unlock()
	return plugin.CallWithContext(ctx, name, input)
}

func callError(name string, exit uint32, out []byte, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if exit != 0 {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", exit)
		}
		return fmt.Errorf("%s: %s", name, msg)
	}
	return nil
}

func callWithEvent(ctx context.Context, plugin *extism.Plugin, mu *sync.Mutex, name string, ev *event.PluginEvent) (*event.PluginEvent, error) {
	input, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	exit, out, err := call(ctx, plugin, mu, name, input)
	if err := callError(name, exit, out, err); err != nil {
		return nil, err
	}
	// Empty output means the plugin returned null: drop the event.
	if len(bytes.TrimSpace(out)) == 0 || string(bytes.TrimSpace(out)) == "null" {
		return nil, nil
	}
	var result event.PluginEvent
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("%s returned malformed event: %w", name, err)
	}
	return &result, nil
}

func callWithBatch(ctx context.Context, plugin *extism.Plugin, mu *sync.Mutex, name string, evs []*event.PluginEvent) ([]*event.PluginEvent, error) {
	input, err := json.Marshal(evs)
	if err != nil {
		return nil, fmt.Errorf("marshaling event batch: %w", err)
	}
	exit, out, err := call(ctx, plugin, mu, name, input)
	if err := callError(name, exit, out, err); err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(out)) == 0 || string(bytes.TrimSpace(out)) == "null" {
		return nil, nil
	}
	var result []*event.PluginEvent
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("%s returned malformed batch: %w", name, err)
	}
	return result, nil
}

// resolveWasm extracts the executable module from whichever payload field the
// plugin row carries. Archives hold a compiled module at any *.wasm path;
// inline source is the base64 module the upstream compiler pass produced.
func resolveWasm(plugin models.Plugin) ([]byte, error) {
	switch {
	case len(plugin.Archive) > 0:
		return wasmFromArchive(plugin.Archive)
	case plugin.Source != "":
		wasm, err := base64.StdEncoding.DecodeString(plugin.Source)
		if err != nil {
			return nil, fmt.Errorf("decoding plugin source: %w", err)
		}
		return wasm, nil
	case plugin.URL != "":
		return nil, fmt.Errorf("plugin %d has no fetched payload for %s", plugin.ID, plugin.URL)
	default:
		return nil, errors.New("plugin carries no archive, source or url")
	}
}

func wasmFromArchive(archive []byte) ([]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, fmt.Errorf("opening plugin archive: %w", err)
	}
	for _, file := range reader.File {
		if !strings.HasSuffix(file.Name, ".wasm") {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("reading %s from archive: %w", file.Name, err)
		}
		defer rc.Close()
		wasm, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("reading %s from archive: %w", file.Name, err)
		}
		return wasm, nil
	}
	return nil, errors.New("plugin archive contains no wasm module")
}
