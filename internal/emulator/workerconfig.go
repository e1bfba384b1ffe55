package emulator

import (
	"encoding/json"
	"fmt"

	"relaykit/internal/domain"
)

// BuildWorkerOptions transforms a declarative worker spec into the
// emulator's native option set. Pure; no emulator state is touched.
func BuildWorkerOptions(spec domain.WorkerSpec) (domain.WorkerOptions, error) {
	opts := domain.WorkerOptions{
		Name:               spec.Name,
		ScriptPath:         spec.Main,
		CompatibilityDate:  spec.CompatibilityDate,
		CompatibilityFlags: spec.CompatibilityFlags,
	}
	if opts.Name == "" {
		return opts, fmt.Errorf("%w: worker name is required", domain.ErrInvalidInput)
	}
	if opts.ScriptPath == "" {
		return opts, fmt.Errorf("%w: worker %q has no entry script", domain.ErrInvalidInput, spec.Name)
	}

	for _, b := range spec.Bindings {
		if b.Name == "" {
			return opts, fmt.Errorf("%w: worker %q has a binding without a name", domain.ErrInvalidInput, spec.Name)
		}
		if err := applyBinding(&opts, b); err != nil {
			return opts, fmt.Errorf("worker %q binding %q: %w", spec.Name, b.Name, err)
		}
	}
	return opts, nil
}

func applyBinding(opts *domain.WorkerOptions, b domain.Binding) error {
	switch b.Kind {
	case domain.BindingPlainText, domain.BindingSecretText:
		value, err := json.Marshal(b.Value)
		if err != nil {
			return err
		}
		setVar(opts, b.Name, value)
	case domain.BindingJSON:
		if len(b.JSON) == 0 {
			return fmt.Errorf("%w: json binding has no value", domain.ErrInvalidInput)
		}
		if !json.Valid(b.JSON) {
			return fmt.Errorf("%w: json binding is not valid JSON", domain.ErrInvalidInput)
		}
		setVar(opts, b.Name, b.JSON)
	case domain.BindingKVNamespace:
		if b.ID == "" {
			return fmt.Errorf("%w: kv binding has no namespace id", domain.ErrInvalidInput)
		}
		if opts.KVNamespaces == nil {
			opts.KVNamespaces = make(map[string]string)
		}
		opts.KVNamespaces[b.Name] = b.ID
	case domain.BindingR2Bucket:
		if b.Bucket == "" {
			return fmt.Errorf("%w: r2 binding has no bucket", domain.ErrInvalidInput)
		}
		if opts.R2Buckets == nil {
			opts.R2Buckets = make(map[string]string)
		}
		opts.R2Buckets[b.Name] = b.Bucket
	case domain.BindingD1Database:
		if b.ID == "" {
			return fmt.Errorf("%w: d1 binding has no database id", domain.ErrInvalidInput)
		}
		if opts.D1Databases == nil {
			opts.D1Databases = make(map[string]string)
		}
		opts.D1Databases[b.Name] = b.ID
	case domain.BindingDurableObject:
		if b.ClassName == "" {
			return fmt.Errorf("%w: durable object binding has no class name", domain.ErrInvalidInput)
		}
		if opts.DurableObjects == nil {
			opts.DurableObjects = make(map[string]domain.DurableObjectDesignator)
		}
		opts.DurableObjects[b.Name] = domain.DurableObjectDesignator{
			ClassName:  b.ClassName,
			ScriptName: b.Service,
		}
	case domain.BindingQueue:
		if b.Queue == "" {
			return fmt.Errorf("%w: queue binding has no queue name", domain.ErrInvalidInput)
		}
		if opts.QueueProducers == nil {
			opts.QueueProducers = make(map[string]string)
		}
		opts.QueueProducers[b.Name] = b.Queue
	case domain.BindingService:
		if b.Service == "" {
			return fmt.Errorf("%w: service binding has no target", domain.ErrInvalidInput)
		}
		if opts.ServiceBindings == nil {
			opts.ServiceBindings = make(map[string]string)
		}
		opts.ServiceBindings[b.Name] = b.Service
	case domain.BindingAnalyticsEngine:
		if b.Dataset == "" {
			return fmt.Errorf("%w: analytics binding has no dataset", domain.ErrInvalidInput)
		}
		if opts.AnalyticsDatasets == nil {
			opts.AnalyticsDatasets = make(map[string]string)
		}
		opts.AnalyticsDatasets[b.Name] = b.Dataset
	default:
		return fmt.Errorf("%w: %q", domain.ErrUnknownBinding, b.Kind)
	}
	return nil
}

func setVar(opts *domain.WorkerOptions, name string, value json.RawMessage) {
	if opts.Bindings == nil {
		opts.Bindings = make(map[string]json.RawMessage)
	}
	opts.Bindings[name] = value
}
