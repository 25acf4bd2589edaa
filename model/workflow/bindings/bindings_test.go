package bindings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		description string
		declaration string
		expectName  string
		expectType  string
		expectKind  string
		expectIn    string
		expectErr   bool
	}{
		{
			description: "metadata binding",
			declaration: "farmId[string](metadata/farmId)",
			expectName:  "farmId",
			expectType:  "string",
			expectKind:  "metadata",
			expectIn:    "farmId",
		},
		{
			description: "step result binding",
			declaration: "profile[map](step/collect_profile)",
			expectName:  "profile",
			expectType:  "map",
			expectKind:  "step",
			expectIn:    "collect_profile",
		},
		{
			description: "const binding",
			declaration: "units[string](const/metric)",
			expectName:  "units",
			expectType:  "string",
			expectKind:  "const",
			expectIn:    "metric",
		},
		{
			description: "missing type",
			declaration: "farmId(metadata/farmId)",
			expectErr:   true,
		},
		{
			description: "unterminated location",
			declaration: "farmId[string](metadata/farmId",
			expectErr:   true,
		},
	}

	for _, testCase := range testCases {
		binding, err := Parse([]byte(testCase.declaration))
		if testCase.expectErr {
			assert.Error(t, err, testCase.description)
			continue
		}
		if !assert.NoError(t, err, testCase.description) {
			continue
		}
		assert.Equal(t, testCase.expectName, binding.Name, testCase.description)
		assert.Equal(t, testCase.expectType, binding.DataType, testCase.description)
		assert.Equal(t, testCase.expectKind, binding.Location.Kind, testCase.description)
		assert.Equal(t, testCase.expectIn, binding.Location.In, testCase.description)
	}
}

func TestResolve(t *testing.T) {
	parsed, err := ParseAll([]string{
		"farmId[string](metadata/farmId)",
		"profile[map](step/collect_profile)",
		"units[string](const/metric)",
	})
	assert.NoError(t, err)

	metadata := map[string]interface{}{"farmId": "farm-9"}
	stepResults := map[string]map[string]interface{}{
		"collect_profile": {"soil": "loam"},
	}
	input, err := parsed.Resolve(metadata, stepResults)
	assert.NoError(t, err)
	assert.Equal(t, "farm-9", input["farmId"])
	assert.Equal(t, map[string]interface{}{"soil": "loam"}, input["profile"])
	assert.Equal(t, "metric", input["units"])
}

func TestResolveMissingSources(t *testing.T) {
	parsed, err := ParseAll([]string{"farmId[string](metadata/farmId)"})
	assert.NoError(t, err)
	_, err = parsed.Resolve(map[string]interface{}{}, nil)
	assert.Error(t, err)

	parsed, err = ParseAll([]string{"profile[map](step/collect_profile)"})
	assert.NoError(t, err)
	_, err = parsed.Resolve(nil, map[string]map[string]interface{}{})
	assert.Error(t, err)
}
