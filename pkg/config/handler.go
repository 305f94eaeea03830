package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/jcputter/resoto/pkg/bus"
	"github.com/jcputter/resoto/pkg/log"
	"github.com/jcputter/resoto/pkg/metrics"
	"github.com/jcputter/resoto/pkg/storage"
	"github.com/jcputter/resoto/pkg/workq"
)

// ExternalValidationTimeout bounds one round-trip to a validating worker.
const ExternalValidationTimeout = 30 * time.Second

// Entity is one configuration document with its revision.
type Entity struct {
	ID       string   `json:"id"`
	Config   bus.Json `json:"config"`
	Revision string   `json:"-"`

	raw json.RawMessage
}

// Validation marks a config id as requiring external worker approval.
type Validation struct {
	ID                 string `json:"id"`
	ExternalValidation bool   `json:"external_validation"`
}

// ValidationError reports a rejected configuration change; the write did not
// happen.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

// Service implements configuration CRUD with model coercion and external
// validation through the worker task queue.
type Service struct {
	configs     storage.Collection
	validations storage.Collection
	model       storage.Collection
	queue       *workq.Queue
	bus         *bus.Bus
	logger      zerolog.Logger

	// ReplaceFalsyOnPatch makes patches overwrite existing values with falsy
	// ones instead of keeping the stored value.
	ReplaceFalsyOnPatch bool
}

// NewService creates the config handler.
func NewService(store storage.Store, queue *workq.Queue, messageBus *bus.Bus) *Service {
	return &Service{
		configs:     store.Collection(storage.CollectionConfigs),
		validations: store.Collection(storage.CollectionConfigValidation),
		model:       store.Collection(storage.CollectionConfigsModel),
		queue:       queue,
		bus:         messageBus,
		logger:      log.WithComponent("config_handler"),
	}
}

// ListConfigIDs returns all config ids.
func (s *Service) ListConfigIDs() ([]string, error) {
	return s.configs.Keys()
}

// GetConfig returns the config entity, or nil when it does not exist.
func (s *Service) GetConfig(id string) (*Entity, error) {
	doc, err := s.configs.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg bus.Json
	if err := json.Unmarshal(doc.Data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config %s: %w", id, err)
	}
	return &Entity{ID: id, Config: cfg, Revision: doc.Rev, raw: doc.Data}, nil
}

// coerceAndCheck validates every top-level section with a registered kind,
// applies coercions, and runs external validation when one is registered for
// the id. Invalid values fail with a ValidationError naming the section.
func (s *Service) coerceAndCheck(ctx context.Context, id string, cfg bus.Json, validate bool) (bus.Json, error) {
	final := cfg
	if validate {
		model, err := s.GetConfigsModel()
		if err != nil {
			return nil, err
		}
		final = make(bus.Json, len(cfg))
		for key, value := range cfg {
			kind := model.Get(key)
			if kind == nil {
				final[key] = value
				continue
			}
			coerced, err := kind.CheckValid(model, value)
			if err != nil {
				return nil, &ValidationError{Reason: fmt.Sprintf("error validating section %s: %v", key, err)}
			}
			if coerced != nil {
				final[key] = coerced
			} else {
				final[key] = value
			}
		}

		validation, err := s.GetValidation(id)
		if err != nil {
			return nil, err
		}
		if validation != nil && validation.ExternalValidation {
			if err := s.acknowledgeConfigChange(ctx, id, final); err != nil {
				return nil, err
			}
		}
	}
	return final, nil
}

// PutConfig validates and stores the entity. An unchanged config is a no-op;
// a stored change publishes ConfigUpdated with the new revision.
func (s *Service) PutConfig(ctx context.Context, cfg *Entity, validate bool) (*Entity, error) {
	coerced, err := s.coerceAndCheck(ctx, cfg.ID, cfg.Config, validate)
	if err != nil {
		return nil, err
	}
	existing, err := s.GetConfig(cfg.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && equalConfig(existing.Config, coerced) {
		return existing, nil
	}

	doc, err := storage.NewDocument(cfg.ID, coerced)
	if err != nil {
		return nil, err
	}
	doc.Rev = cfg.Revision
	if doc.Rev == "" && existing != nil {
		doc.Rev = existing.Revision
	}
	stored, err := storage.Save(s.configs, doc)
	if err != nil {
		return nil, err
	}
	metrics.ConfigUpdatesTotal.Inc()
	s.bus.EmitEvent(bus.MessageConfigUpdated, bus.Json{"id": cfg.ID, "revision": stored.Rev})
	s.logger.Info().Str("config_id", cfg.ID).Str("revision", stored.Rev).Msg("Config updated")
	return &Entity{ID: cfg.ID, Config: coerced, Revision: stored.Rev}, nil
}

// PatchConfig deep-merges the patch over the stored config and writes the
// result with the stored revision.
func (s *Service) PatchConfig(ctx context.Context, cfg *Entity) (*Entity, error) {
	existing, err := s.GetConfig(cfg.ID)
	if err != nil {
		return nil, err
	}
	current := bus.Json{}
	revision := ""
	if existing != nil {
		current = existing.Config
		revision = existing.Revision
	}
	merged := DeepMerge(current, cfg.Config)
	if s.ReplaceFalsyOnPatch {
		merged = overwriteFalsy(merged, cfg.Config)
	}
	return s.PutConfig(ctx, &Entity{ID: cfg.ID, Config: merged, Revision: revision}, true)
}

// overwriteFalsy re-applies falsy right-hand scalars that DeepMerge dropped.
func overwriteFalsy(merged, patch bus.Json) bus.Json {
	out := make(bus.Json, len(merged))
	for k, v := range merged {
		out[k] = v
	}
	for k, v := range patch {
		if nested, ok := v.(map[string]interface{}); ok {
			if existing, isMap := out[k].(map[string]interface{}); isMap {
				out[k] = overwriteFalsy(existing, nested)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// DeleteConfig removes the entity and its validation record.
func (s *Service) DeleteConfig(id string) error {
	if err := s.configs.Delete(id); err != nil {
		return err
	}
	if err := s.validations.Delete(id); err != nil {
		return err
	}
	s.bus.EmitEvent(bus.MessageConfigDeleted, bus.Json{"id": id})
	s.logger.Info().Str("config_id", id).Msg("Config deleted")
	return nil
}

// ListValidationIDs returns all config ids with a validation record.
func (s *Service) ListValidationIDs() ([]string, error) {
	return s.validations.Keys()
}

// GetValidation returns the validation record for the id, or nil.
func (s *Service) GetValidation(id string) (*Validation, error) {
	doc, err := s.validations.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v Validation
	if err := json.Unmarshal(doc.Data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// PutValidation stores the validation record.
func (s *Service) PutValidation(v *Validation) (*Validation, error) {
	doc, err := storage.NewDocument(v.ID, v)
	if err != nil {
		return nil, err
	}
	if _, err := storage.Save(s.validations, doc); err != nil {
		return nil, err
	}
	return v, nil
}

// GetConfigsModel loads the persisted kinds into a model.
func (s *Service) GetConfigsModel() (*Model, error) {
	docs, err := s.model.All()
	if err != nil {
		return nil, err
	}
	kinds := make([]Kind, 0, len(docs))
	for _, doc := range docs {
		kind, err := UnmarshalKind(doc.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode kind %s: %w", doc.Key, err)
		}
		kinds = append(kinds, kind)
	}
	return NewModel(kinds), nil
}

// UpdateConfigsModel stores the given kinds, replacing same-named ones.
func (s *Service) UpdateConfigsModel(kinds []Kind) (*Model, error) {
	docs := make([]*storage.Document, 0, len(kinds))
	for _, k := range kinds {
		data, err := MarshalKind(k)
		if err != nil {
			return nil, err
		}
		docs = append(docs, &storage.Document{Key: k.Name(), Data: data})
	}
	if err := s.model.InsertMany(docs, true); err != nil {
		return nil, err
	}
	return s.GetConfigsModel()
}

// ConfigYAML serialises the config to YAML. Sections whose kind is complex
// render through the schema's structured emitter; withRevision appends the
// revision trailer.
func (s *Service) ConfigYAML(id string, withRevision bool) (string, error) {
	cfg, err := s.GetConfig(id)
	if err != nil {
		return "", err
	}
	if cfg == nil {
		return "", nil
	}
	model, err := s.GetConfigsModel()
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for num, key := range cfg.keyOrder() {
		value := cfg.Config[key]
		if kind, ok := model.Get(key).(ComplexKind); ok {
			if section, isMap := value.(map[string]interface{}); isMap {
				if num > 0 {
					b.WriteString("\n")
				}
				b.WriteString(key + ":\n")
				b.WriteString(kind.CreateYAML(model, section, 1))
				continue
			}
		}
		data, err := yaml.Marshal(map[string]interface{}{key: value})
		if err != nil {
			return "", err
		}
		b.Write(data)
	}

	if withRevision && cfg.Revision != "" {
		b.WriteString(
			"\n\n# This property is not part of the configuration but defines the revision " +
				"of this document.\n# Please leave it here to avoid conflicting writes.\n" +
				fmt.Sprintf("_revision: %q", cfg.Revision),
		)
	}
	return b.String(), nil
}

// keyOrder returns the top-level keys in the order they appear in the stored
// document, falling back to lexicographic order.
func (e *Entity) keyOrder() []string {
	if keys := jsonKeyOrder(e.raw); len(keys) == len(e.Config) {
		return keys
	}
	keys := make([]string, 0, len(e.Config))
	for k := range e.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonKeyOrder extracts the top-level object keys of raw in document order.
func jsonKeyOrder(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := tok.(string)
		if !ok {
			return nil
		}
		keys = append(keys, key)
		if err := skipValue(dec); err != nil {
			return nil
		}
	}
	return keys
}

func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); ok && (d == '{' || d == '[') {
		depth := 1
		for depth > 0 {
			tok, err = dec.Token()
			if err != nil {
				return err
			}
			if d, ok := tok.(json.Delim); ok {
				switch d {
				case '{', '[':
					depth++
				case '}', ']':
					depth--
				}
			}
		}
	}
	return nil
}

// equalConfig compares two configs structurally.
func equalConfig(a, b bus.Json) bool {
	da, err := json.Marshal(a)
	if err != nil {
		return false
	}
	db, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return storage.EqualJSON(da, db)
}

// acknowledgeConfigChange routes the change through the worker task queue and
// waits for the validating worker's verdict. Worker rejection and missing
// workers surface as a ValidationError.
func (s *Service) acknowledgeConfigChange(ctx context.Context, id string, cfg bus.Json) error {
	task := workq.NewTask(
		workq.TaskValidateConfig,
		map[string]string{"config_id": id},
		bus.Json{"task": workq.TaskValidateConfig, "config_id": id, "config": cfg},
		ExternalValidationTimeout,
	)
	s.queue.AddTask(task)
	if _, err := task.Future().Result(ctx); err != nil {
		metrics.ConfigValidationsTotal.WithLabelValues("rejected").Inc()
		var failure *workq.WorkerFailure
		if errors.As(err, &failure) {
			return &ValidationError{Reason: failure.Reason}
		}
		return &ValidationError{Reason: err.Error()}
	}
	metrics.ConfigValidationsTotal.WithLabelValues("accepted").Inc()
	return nil
}
