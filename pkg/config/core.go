package config

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jcputter/resoto/pkg/bus"
	"github.com/jcputter/resoto/pkg/log"
	"github.com/jcputter/resoto/pkg/workq"
)

// CoreConfigID is the config id of the server's own configuration.
const CoreConfigID = "resoto.core"

// CoreConfigRoot is the top-level section of the core config document.
const CoreConfigRoot = "resotocore"

// RestartService asks the outer supervisor to re-enter the run loop, e.g.
// after the core config changed.
type RestartService struct {
	Reason string
}

func (e *RestartService) Error() string {
	return fmt.Sprintf("restart service: %s", e.Reason)
}

// coreConfigValidatorID is the worker id of the in-process validator.
const coreConfigValidatorID = "resotocore.config.validate"

// CoreHandler watches the core config: it seeds the model and defaults on
// startup, validates changes to its own id in process, and invokes exitFn when
// the stored core config changes so the supervisor restarts the service.
type CoreHandler struct {
	config *Service
	bus    *bus.Bus
	queue  *workq.Queue
	exitFn func(reason string)
	logger zerolog.Logger
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCoreHandler wires the core-config sub-handler. The default exitFn
// escalates a RestartService through panic; the server supplies its own exitFn,
// which signals its run loop to restart.
func NewCoreHandler(service *Service, messageBus *bus.Bus, queue *workq.Queue, exitFn func(reason string)) *CoreHandler {
	if exitFn == nil {
		exitFn = func(reason string) {
			panic(&RestartService{Reason: reason})
		}
	}
	return &CoreHandler{
		config: service,
		bus:    messageBus,
		queue:  queue,
		exitFn: exitFn,
		logger: log.WithComponent("core_config"),
	}
}

// Start seeds model and defaults and spawns the update listener and the
// in-process validator.
func (h *CoreHandler) Start(ctx context.Context) error {
	ctx, h.cancel = context.WithCancel(ctx)

	if err := h.updateModel(); err != nil {
		return err
	}
	if err := h.updateConfig(ctx); err != nil {
		return err
	}

	// Subscribe before Start returns so that no update made after it is missed.
	sub := h.bus.Subscribe("resotocore_config_update", []string{bus.MessageConfigUpdated})
	h.wg.Add(2)
	go h.handleEvents(ctx, sub)
	go h.validateConfigs(ctx)
	return nil
}

// Stop cancels the listener and validator and waits for them.
func (h *CoreHandler) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// updateModel registers the core config kinds and marks the core config for
// external validation, which this handler itself serves.
func (h *CoreHandler) updateModel() error {
	if _, err := h.config.UpdateConfigsModel(coreConfigKinds()); err != nil {
		return fmt.Errorf("failed to update core config model: %w", err)
	}
	if _, err := h.config.PutValidation(&Validation{ID: CoreConfigID, ExternalValidation: true}); err != nil {
		return fmt.Errorf("failed to register core config validation: %w", err)
	}
	return nil
}

// updateConfig merges the built-in defaults under the stored config, so new
// properties appear while existing values win.
func (h *CoreHandler) updateConfig(ctx context.Context) error {
	existing, err := h.config.GetConfig(CoreConfigID)
	if err != nil {
		return err
	}
	defaults := defaultCoreConfig()
	updated := defaults
	revision := ""
	if existing != nil {
		updated = DeepMerge(defaults, existing.Config)
		revision = existing.Revision
	}
	if existing == nil || !equalConfig(updated, existing.Config) {
		if _, err := h.config.PutConfig(ctx, &Entity{ID: CoreConfigID, Config: updated, Revision: revision}, false); err != nil {
			return fmt.Errorf("failed to seed core config: %w", err)
		}
		h.logger.Info().Msg("Default core config updated")
	}
	return nil
}

// handleEvents watches ConfigUpdated; a change to the core config id logs and
// hands control to exitFn.
func (h *CoreHandler) handleEvents(ctx context.Context, sub *bus.Subscription) {
	defer h.wg.Done()
	defer sub.Close()
	for {
		select {
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			ev, isEvent := msg.(*bus.Event)
			if !isEvent {
				continue
			}
			if id, _ := ev.Data["id"].(string); id == CoreConfigID {
				h.logger.Info().Msg("Core config was updated. Restart to take effect.")
				h.exitFn("core config changed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// validateConfigs serves validate_config worker tasks for the core config id,
// so self-validation runs in process.
func (h *CoreHandler) validateConfigs(ctx context.Context) {
	defer h.wg.Done()
	description := workq.Description{
		Name:   workq.TaskValidateConfig,
		Filter: map[string][]string{"config_id": {CoreConfigID}},
	}
	handle, err := h.queue.Attach(coreConfigValidatorID, []workq.Description{description})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to attach core config validator")
		return
	}
	defer handle.Detach()

	for {
		select {
		case task, ok := <-handle.C:
			if !ok {
				return
			}
			h.validateTask(task)
		case <-ctx.Done():
			return
		}
	}
}

func (h *CoreHandler) validateTask(task *workq.Task) {
	cfg, _ := task.Data["config"].(map[string]interface{})
	section, _ := cfg[CoreConfigRoot].(map[string]interface{})
	if section == nil {
		if err := h.queue.Error(coreConfigValidatorID, task.ID, fmt.Sprintf("config misses the %s section", CoreConfigRoot)); err != nil {
			h.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to report validation error")
		}
		return
	}
	if errs := validateCoreConfig(section); len(errs) > 0 {
		message := "Validation errors:"
		for _, e := range errs {
			message += "\n- " + e
		}
		if err := h.queue.Error(coreConfigValidatorID, task.ID, message); err != nil {
			h.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to report validation error")
		}
		return
	}
	if err := h.queue.Acknowledge(coreConfigValidatorID, task.ID, nil); err != nil {
		h.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to acknowledge validation")
	}
}

// validateCoreConfig checks the editable core settings beyond what the model
// coercion covers.
func validateCoreConfig(section bus.Json) []string {
	var errs []string
	if api, ok := section["api"].(map[string]interface{}); ok {
		switch port := api["port"].(type) {
		case float64:
			if port < 1 || port > 65535 {
				errs = append(errs, fmt.Sprintf("api.port %v out of range", port))
			}
		case int:
			if port < 1 || port > 65535 {
				errs = append(errs, fmt.Sprintf("api.port %d out of range", port))
			}
		case int64:
			if port < 1 || port > 65535 {
				errs = append(errs, fmt.Sprintf("api.port %d out of range", port))
			}
		}
		if hosts, ok := api["hosts"].([]interface{}); ok && len(hosts) == 0 {
			errs = append(errs, "api.hosts must not be empty")
		}
	}
	if runtime, ok := section["runtime"].(map[string]interface{}); ok {
		if level, ok := runtime["log_level"].(string); ok {
			switch level {
			case "debug", "info", "warn", "error":
			default:
				errs = append(errs, fmt.Sprintf("unknown log level %q", level))
			}
		}
	}
	return errs
}

// defaultCoreConfig is the built-in core configuration.
func defaultCoreConfig() bus.Json {
	return bus.Json{
		CoreConfigRoot: map[string]interface{}{
			"api": map[string]interface{}{
				"hosts":        []interface{}{"127.0.0.1"},
				"port":         8900,
				"tls_cert":     "",
				"tls_key":      "",
				"tls_password": "",
			},
			"cli": map[string]interface{}{
				"default_graph":   "resoto",
				"default_section": "reported",
			},
			"runtime": map[string]interface{}{
				"analytics_opt_out": false,
				"log_level":         "info",
			},
		},
	}
}

// coreConfigKinds is the schema of the core config document.
func coreConfigKinds() []Kind {
	return []Kind{
		ComplexKind{KindName: "resotocore_api", Properties: []Property{
			{Name: "hosts", Kind: "string[]", Description: "Bind addresses of the API server"},
			{Name: "port", Kind: "int32", Description: "Port of the API server"},
			{Name: "tls_cert", Kind: "string", Description: "Path to the TLS certificate"},
			{Name: "tls_key", Kind: "string", Description: "Path to the TLS key"},
			{Name: "tls_password", Kind: "string", Description: "Password of the TLS key"},
		}},
		ComplexKind{KindName: "resotocore_cli", Properties: []Property{
			{Name: "default_graph", Kind: "string", Description: "Graph used when no graph is named"},
			{Name: "default_section", Kind: "string", Description: "Section used when no section is named"},
		}},
		ComplexKind{KindName: "resotocore_runtime", Properties: []Property{
			{Name: "analytics_opt_out", Kind: "boolean", Description: "Disable external analytics emission"},
			{Name: "log_level", Kind: "string", Description: "Log level of the server"},
		}},
		ComplexKind{KindName: CoreConfigRoot, Properties: []Property{
			{Name: "api", Kind: "resotocore_api", Description: "API server settings"},
			{Name: "cli", Kind: "resotocore_cli", Description: "Command line defaults"},
			{Name: "runtime", Kind: "resotocore_runtime", Description: "Runtime settings"},
		}},
		ComplexKind{KindName: CoreConfigID, Properties: []Property{
			{Name: CoreConfigRoot, Kind: CoreConfigRoot, Description: "resotocore configuration"},
		}},
	}
}
