package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validModel() *Model {
	return &Model{
		Engine:      Engine{Address: "http://127.0.0.1:8188"},
		Generations: []*Generation{{Name: "fox", Template: "/tmp/fox.json"}},
	}
}

func TestValidation_Merge(t *testing.T) {
	threshold, limit, local := 0.25, 3, 0.4
	global := Validation{Threshold: &threshold, RetryLimit: &limit, NegativeTerms: []string{"blurry"}}

	merged := global.Merge(Validation{Threshold: &local})
	assert.Equal(t, 0.4, *merged.Threshold)
	assert.Equal(t, 3, *merged.RetryLimit)
	assert.Equal(t, []string{"blurry"}, merged.NegativeTerms)

	cleared := global.Merge(Validation{NegativeTerms: []string{}})
	assert.Empty(t, cleared.NegativeTerms, "an explicit empty list replaces the global terms")
}

func TestModel_Validate(t *testing.T) {
	require.NoError(t, validModel().Validate())

	zero, big := 0, 1.5
	testCases := []struct {
		name   string
		mutate func(m *Model)
	}{
		{"missing address", func(m *Model) { m.Engine.Address = "" }},
		{"unknown transport", func(m *Model) { m.Engine.Transport = "carrier-pigeon" }},
		{"minio without endpoint", func(m *Model) { m.Storage.Backend = BackendMinIO }},
		{"file without directory", func(m *Model) { m.Storage.Backend = BackendFile }},
		{"unknown backend", func(m *Model) { m.Storage.Backend = "tape" }},
		{"unknown exporter", func(m *Model) { m.Telemetry.Exporter = "jaeger" }},
		{"duplicate generation", func(m *Model) { m.Generations = append(m.Generations, &Generation{Name: "fox", Template: "x"}) }},
		{"missing template", func(m *Model) { m.Generations[0].Template = "" }},
		{"retry limit below one", func(m *Model) { m.Generations[0].Validation.RetryLimit = &zero }},
		{"threshold above one", func(m *Model) { m.Validation.Threshold = &big }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := validModel()
			tc.mutate(m)
			assert.ErrorIs(t, m.Validate(), ErrInvalidConfig)
		})
	}
}
