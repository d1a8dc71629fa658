package plugins

import (
	"context"
	"encoding/json"
	"time"

	extism "github.com/extism/go-sdk"

	"github.com/openloom/plugin-server/pkg/db/models"
	"github.com/openloom/plugin-server/pkg/redis"
)

// hostState binds the VM host functions to one plugin config: the shared
// redis cache, the per-config storage namespace, attachments, the log buffer
// and the job queue.
type hostState struct {
	params CompileParams
}

func (h *hostState) functions() []extism.HostFunction {
	return []extism.HostFunction{
		extism.NewHostFunctionWithStack("cache_get", h.cacheGet,
			[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypePTR}),
		extism.NewHostFunctionWithStack("cache_set", h.cacheSet,
			[]extism.ValueType{extism.ValueTypePTR}, nil),
		extism.NewHostFunctionWithStack("cache_incr", h.cacheIncr,
			[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypeI64}),
		extism.NewHostFunctionWithStack("storage_get", h.storageGet,
			[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypePTR}),
		extism.NewHostFunctionWithStack("storage_set", h.storageSet,
			[]extism.ValueType{extism.ValueTypePTR}, nil),
		extism.NewHostFunctionWithStack("storage_del", h.storageDel,
			[]extism.ValueType{extism.ValueTypePTR}, nil),
		extism.NewHostFunctionWithStack("attachment_get", h.attachmentGet,
			[]extism.ValueType{extism.ValueTypePTR}, []extism.ValueType{extism.ValueTypePTR}),
		extism.NewHostFunctionWithStack("log", h.log,
			[]extism.ValueType{extism.ValueTypePTR}, nil),
		extism.NewHostFunctionWithStack("jobs_enqueue", h.jobsEnqueue,
			[]extism.ValueType{extism.ValueTypePTR}, nil),
	}
}

func (h *hostState) cacheKey(key string) string {
	return h.params.Cache.PluginCacheKey(h.params.Plugin.ID, h.params.Config.TeamID, key)
}

func (h *hostState) storageKey(key string) string {
	return h.params.Cache.PluginCacheKey(h.params.Plugin.ID, h.params.Config.TeamID, "storage/"+key)
}

func (h *hostState) cacheGet(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	key, err := p.ReadString(stack[0])
	if err != nil {
		stack[0] = h.writeString(p, "")
		return
	}
	value, err := h.params.Cache.Get(ctx, h.cacheKey(key))
	if err != nil && !redis.IsNil(err) {
		h.systemLog(models.LogTypeError, "cache_get failed: "+err.Error())
	}
	stack[0] = h.writeString(p, value)
}

type cacheSetRequest struct {
	Key        string `json:"key"`
	Value      string `json:"value"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func (h *hostState) cacheSet(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	var req cacheSetRequest
	if !h.readJSON(p, stack[0], &req) {
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := h.params.Cache.Set(ctx, h.cacheKey(req.Key), req.Value, ttl); err != nil {
		h.systemLog(models.LogTypeError, "cache_set failed: "+err.Error())
	}
}

func (h *hostState) cacheIncr(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	key, err := p.ReadString(stack[0])
	if err != nil {
		stack[0] = 0
		return
	}
	value, err := h.params.Cache.Incr(ctx, h.cacheKey(key))
	if err != nil {
		h.systemLog(models.LogTypeError, "cache_incr failed: "+err.Error())
		value = 0
	}
	stack[0] = uint64(value)
}

func (h *hostState) storageGet(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	key, err := p.ReadString(stack[0])
	if err != nil {
		stack[0] = h.writeString(p, "")
		return
	}
	value, err := h.params.Cache.Get(ctx, h.storageKey(key))
	if err != nil && !redis.IsNil(err) {
		h.systemLog(models.LogTypeError, "storage_get failed: "+err.Error())
	}
	stack[0] = h.writeString(p, value)
}

type storageSetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *hostState) storageSet(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	var req storageSetRequest
	if !h.readJSON(p, stack[0], &req) {
		return
	}
	if err := h.params.Cache.Set(ctx, h.storageKey(req.Key), req.Value, 0); err != nil {
		h.systemLog(models.LogTypeError, "storage_set failed: "+err.Error())
	}
}

func (h *hostState) storageDel(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	key, err := p.ReadString(stack[0])
	if err != nil {
		return
	}
	if err := h.params.Cache.Del(ctx, h.storageKey(key)); err != nil {
		h.systemLog(models.LogTypeError, "storage_del failed: "+err.Error())
	}
}

func (h *hostState) attachmentGet(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	name, err := p.ReadString(stack[0])
	if err != nil {
		stack[0] = h.writeBytes(p, nil)
		return
	}
	attachment, ok := h.params.Attachments[name]
	if !ok {
		stack[0] = h.writeBytes(p, nil)
		return
	}
	stack[0] = h.writeBytes(p, attachment.Contents)
}

type logRequest struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (h *hostState) log(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	var req logRequest
	if !h.readJSON(p, stack[0], &req) {
		return
	}
	logType := req.Type
	switch logType {
	case models.LogTypeDebug, models.LogTypeLog, models.LogTypeInfo, models.LogTypeWarn, models.LogTypeError:
	default:
		logType = models.LogTypeLog
	}
	h.appendLog(models.LogSourceConsole, logType, req.Message)
}

type enqueueRequest struct {
	Name         string         `json:"name"`
	Payload      map[string]any `json:"payload"`
	RunInSeconds int            `json:"run_in_seconds"`
}

func (h *hostState) jobsEnqueue(ctx context.Context, p *extism.CurrentPlugin, stack []uint64) {
	if h.params.Jobs == nil {
		h.systemLog(models.LogTypeError, "jobs_enqueue called but job queue is not configured")
		return
	}
	var req enqueueRequest
	if !h.readJSON(p, stack[0], &req) {
		return
	}
	runAt := time.Now().UTC().Add(time.Duration(req.RunInSeconds) * time.Second)
	err := h.params.Jobs.EnqueueJob(ctx, h.params.Config.TeamID, h.params.Config.ID, req.Name, req.Payload, runAt)
	if err != nil {
		h.systemLog(models.LogTypeError, "jobs_enqueue failed: "+err.Error())
	}
}

func (h *hostState) readJSON(p *extism.CurrentPlugin, offset uint64, out any) bool {
	raw, err := p.ReadBytes(offset)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		h.systemLog(models.LogTypeError, "malformed host call payload: "+err.Error())
		return false
	}
	return true
}

func (h *hostState) writeString(p *extism.CurrentPlugin, value string) uint64 {
	offset, err := p.WriteString(value)
	if err != nil {
		return 0
	}
	return offset
}

func (h *hostState) writeBytes(p *extism.CurrentPlugin, value []byte) uint64 {
	offset, err := p.WriteBytes(value)
	if err != nil {
		return 0
	}
	return offset
}

func (h *hostState) systemLog(logType, message string) {
	h.appendLog(models.LogSourceSystem, logType, message)
}

func (h *hostState) appendLog(source, logType, message string) {
	if h.params.Logs == nil {
		return
	}
	h.params.Logs.Append(models.PluginLogEntry{
		TeamID:         h.params.Config.TeamID,
		PluginID:       h.params.Plugin.ID,
		PluginConfigID: h.params.Config.ID,
		Timestamp:      time.Now().UTC(),
		Source:         source,
		Type:           logType,
		Message:        message,
		InstanceID:     h.params.InstanceID,
	})
}
