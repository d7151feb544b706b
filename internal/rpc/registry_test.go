package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsDuplicateMethodName(t *testing.T) {
	reg := NewRegistry()
	m := Method{Name: "dup", Handler: func(ctx context.Context, req Request, params map[string]any) (any, error) { return nil, nil }}
	require.NoError(t, reg.Register(m))
	err := reg.Register(m)
	assert.Error(t, err)
}

func TestRegistryRejectsNilHandler(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(Method{Name: "no-handler"})
	assert.Error(t, err)
}

func TestDecodeParamsTreatsEmptyAsEmptyObject(t *testing.T) {
	params, err := decodeParams(nil)
	require.NoError(t, err)
	assert.Empty(t, params)
}

func TestDecodeParamsRejectsNonObjectJSON(t *testing.T) {
	_, err := decodeParams([]byte(`"just a string"`))
	assert.Error(t, err)
}

func TestMissingParamsReportsAllAbsentKeys(t *testing.T) {
	missing := missingParams([]string{"a", "b", "c"}, map[string]any{"b": 1})
	assert.Equal(t, []string{"a", "c"}, missing)
}

func TestMissingManagersUsesAvailabilityFunc(t *testing.T) {
	available := map[string]bool{"memory": true}
	missing := missingManagers([]string{"memory", "browser"}, func(name string) bool { return available[name] })
	assert.Equal(t, []string{"browser"}, missing)
}
