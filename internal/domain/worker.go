package domain

import "encoding/json"

// BindingKind discriminates the declarative binding variants a worker
// specification may carry.
type BindingKind string

const (
	BindingPlainText       BindingKind = "plain_text"
	BindingSecretText      BindingKind = "secret_text"
	BindingJSON            BindingKind = "json"
	BindingKVNamespace     BindingKind = "kv_namespace"
	BindingR2Bucket        BindingKind = "r2_bucket"
	BindingD1Database      BindingKind = "d1_database"
	BindingDurableObject   BindingKind = "durable_object_namespace"
	BindingQueue           BindingKind = "queue"
	BindingService         BindingKind = "service"
	BindingAnalyticsEngine BindingKind = "analytics_engine"
)

// Binding is one declarative binding entry in a worker specification.
// Exactly the fields relevant to its Kind are set.
type Binding struct {
	Kind      BindingKind     `yaml:"kind" json:"kind"`
	Name      string          `yaml:"name" json:"name"`
	Value     string          `yaml:"value,omitempty" json:"value,omitempty"`           // plain_text, secret_text
	JSON      json.RawMessage `yaml:"-" json:"json,omitempty"`                          // json
	ID        string          `yaml:"id,omitempty" json:"id,omitempty"`                 // kv_namespace, d1_database
	Bucket    string          `yaml:"bucket,omitempty" json:"bucket,omitempty"`         // r2_bucket
	ClassName string          `yaml:"class_name,omitempty" json:"class_name,omitempty"` // durable_object_namespace
	Queue     string          `yaml:"queue,omitempty" json:"queue,omitempty"`           // queue
	Service   string          `yaml:"service,omitempty" json:"service,omitempty"`       // service
	Dataset   string          `yaml:"dataset,omitempty" json:"dataset,omitempty"`       // analytics_engine
}

// WorkerSpec is the declarative description of one emulated worker.
type WorkerSpec struct {
	Name               string    `yaml:"name" json:"name"`
	Main               string    `yaml:"main" json:"main"` // entry script path
	CompatibilityDate  string    `yaml:"compatibility_date,omitempty" json:"compatibilityDate,omitempty"`
	CompatibilityFlags []string  `yaml:"compatibility_flags,omitempty" json:"compatibilityFlags,omitempty"`
	Bindings           []Binding `yaml:"bindings,omitempty" json:"bindings,omitempty"`
}

// DurableObjectDesignator names a durable object class, optionally hosted by
// another worker in the same emulator.
type DurableObjectDesignator struct {
	ClassName  string `json:"className"`
	ScriptName string `json:"scriptName,omitempty"`
}

// WorkerOptions is the emulator-native configuration produced from a
// WorkerSpec by the configuration builder. Field names follow the
// emulator's wire format.
type WorkerOptions struct {
	Name               string                             `json:"name"`
	ScriptPath         string                             `json:"scriptPath"`
	CompatibilityDate  string                             `json:"compatibilityDate"`
	CompatibilityFlags []string                           `json:"compatibilityFlags,omitempty"`
	Bindings           map[string]json.RawMessage         `json:"bindings,omitempty"` // plain/secret/json vars
	KVNamespaces       map[string]string                  `json:"kvNamespaces,omitempty"`
	R2Buckets          map[string]string                  `json:"r2Buckets,omitempty"`
	D1Databases        map[string]string                  `json:"d1Databases,omitempty"`
	DurableObjects     map[string]DurableObjectDesignator `json:"durableObjects,omitempty"`
	QueueProducers     map[string]string                  `json:"queueProducers,omitempty"`
	ServiceBindings    map[string]string                  `json:"serviceBindings,omitempty"`
	AnalyticsDatasets  map[string]string                  `json:"analyticsEngineDatasets,omitempty"`
}

// ProcessInfo describes one detached process tracked by a PID file.
type ProcessInfo struct {
	Identifier string `json:"identifier"`
	PID        int    `json:"pid"`
	Running    bool   `json:"running"`
}
