package emulator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaykit/internal/domain"
)

func TestBuildWorkerOptionsMapsEveryKind(t *testing.T) {
	spec := domain.WorkerSpec{
		Name:               "api",
		Main:               "dist/api.js",
		CompatibilityDate:  "2026-08-01",
		CompatibilityFlags: []string{"nodejs_compat"},
		Bindings: []domain.Binding{
			{Kind: domain.BindingPlainText, Name: "STAGE", Value: "dev"},
			{Kind: domain.BindingSecretText, Name: "API_KEY", Value: "hunter2"},
			{Kind: domain.BindingJSON, Name: "FEATURES", JSON: json.RawMessage(`{"beta":true}`)},
			{Kind: domain.BindingKVNamespace, Name: "CACHE", ID: "kv-123"},
			{Kind: domain.BindingR2Bucket, Name: "UPLOADS", Bucket: "uploads-dev"},
			{Kind: domain.BindingD1Database, Name: "DB", ID: "d1-456"},
			{Kind: domain.BindingDurableObject, Name: "COUNTER", ClassName: "Counter", Service: "counters"},
			{Kind: domain.BindingQueue, Name: "JOBS", Queue: "jobs-dev"},
			{Kind: domain.BindingService, Name: "AUTH", Service: "auth-worker"},
			{Kind: domain.BindingAnalyticsEngine, Name: "METRICS", Dataset: "requests"},
		},
	}

	opts, err := BuildWorkerOptions(spec)
	require.NoError(t, err)

	assert.Equal(t, "api", opts.Name)
	assert.Equal(t, "dist/api.js", opts.ScriptPath)
	assert.Equal(t, "2026-08-01", opts.CompatibilityDate)
	assert.Equal(t, []string{"nodejs_compat"}, opts.CompatibilityFlags)

	assert.JSONEq(t, `"dev"`, string(opts.Bindings["STAGE"]))
	assert.JSONEq(t, `"hunter2"`, string(opts.Bindings["API_KEY"]))
	assert.JSONEq(t, `{"beta":true}`, string(opts.Bindings["FEATURES"]))
	assert.Equal(t, "kv-123", opts.KVNamespaces["CACHE"])
	assert.Equal(t, "uploads-dev", opts.R2Buckets["UPLOADS"])
	assert.Equal(t, "d1-456", opts.D1Databases["DB"])
	assert.Equal(t, domain.DurableObjectDesignator{ClassName: "Counter", ScriptName: "counters"}, opts.DurableObjects["COUNTER"])
	assert.Equal(t, "jobs-dev", opts.QueueProducers["JOBS"])
	assert.Equal(t, "auth-worker", opts.ServiceBindings["AUTH"])
	assert.Equal(t, "requests", opts.AnalyticsDatasets["METRICS"])
}

func TestBuildWorkerOptionsRejectsUnknownKind(t *testing.T) {
	_, err := BuildWorkerOptions(domain.WorkerSpec{
		Name:     "api",
		Main:     "dist/api.js",
		Bindings: []domain.Binding{{Kind: "hyperdrive", Name: "X"}},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUnknownBinding)
	assert.Contains(t, err.Error(), "hyperdrive")
}

func TestBuildWorkerOptionsValidation(t *testing.T) {
	tests := []struct {
		name string
		spec domain.WorkerSpec
		want string
	}{
		{
			name: "missing worker name",
			spec: domain.WorkerSpec{Main: "x.js"},
			want: "name is required",
		},
		{
			name: "missing entry script",
			spec: domain.WorkerSpec{Name: "api"},
			want: "no entry script",
		},
		{
			name: "binding without name",
			spec: domain.WorkerSpec{Name: "api", Main: "x.js",
				Bindings: []domain.Binding{{Kind: domain.BindingPlainText, Value: "v"}}},
			want: "binding without a name",
		},
		{
			name: "kv without id",
			spec: domain.WorkerSpec{Name: "api", Main: "x.js",
				Bindings: []domain.Binding{{Kind: domain.BindingKVNamespace, Name: "CACHE"}}},
			want: "no namespace id",
		},
		{
			name: "json binding with invalid value",
			spec: domain.WorkerSpec{Name: "api", Main: "x.js",
				Bindings: []domain.Binding{{Kind: domain.BindingJSON, Name: "F", JSON: json.RawMessage(`{`)}}},
			want: "not valid JSON",
		},
		{
			name: "durable object without class",
			spec: domain.WorkerSpec{Name: "api", Main: "x.js",
				Bindings: []domain.Binding{{Kind: domain.BindingDurableObject, Name: "DO"}}},
			want: "no class name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildWorkerOptions(tt.spec)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
