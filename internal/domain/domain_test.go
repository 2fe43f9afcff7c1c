package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func fullConfig() AgentConfig {
	return AgentConfig{
		AgentID:            "a1",
		AgentName:          "Bot",
		ModelType:          ptr("gpt-4-turbo"),
		DialogRound:        ptr(5),
		Temperature:        ptr(0.8),
		TopP:               ptr(0.9),
		OutputLimit:        ptr(200),
		SystemMessage:      ptr("be brief"),
		SystemMessageLimit: ptr(1000),
	}
}

// --- FieldKey tests ---

func TestParseFieldKey(t *testing.T) {
	for _, f := range Fields {
		got, err := ParseFieldKey(string(f))
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}

	_, err := ParseFieldKey("agentId")
	assert.ErrorIs(t, err, ErrUnknownField)
}

func TestFieldKeyKind(t *testing.T) {
	tests := []struct {
		key  FieldKey
		want FieldKind
	}{
		{FieldModelType, KindString},
		{FieldSystemMessage, KindString},
		{FieldDialogRound, KindInt},
		{FieldOutputLimit, KindInt},
		{FieldSystemMessageLimit, KindInt},
		{FieldTemperature, KindFloat},
		{FieldTopP, KindFloat},
	}
	for _, tt := range tests {
		t.Run(string(tt.key), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Kind())
		})
	}
}

func TestFieldKeyParseValue(t *testing.T) {
	v, err := FieldTemperature.ParseValue("0.5")
	require.NoError(t, err)
	assert.Equal(t, 0.5, v)

	v, err = FieldDialogRound.ParseValue("12")
	require.NoError(t, err)
	assert.Equal(t, 12, v)

	v, err = FieldSystemMessage.ParseValue("hello there")
	require.NoError(t, err)
	assert.Equal(t, "hello there", v)

	_, err = FieldOutputLimit.ParseValue("lots")
	assert.Error(t, err)
}

func TestFieldKeyParseValueNotFinite(t *testing.T) {
	for _, raw := range []string{"NaN", "nan", "Inf", "+Inf", "-Inf", "infinity"} {
		t.Run(raw, func(t *testing.T) {
			_, err := FieldTemperature.ParseValue(raw)
			assert.ErrorIs(t, err, ErrNotFinite)
		})
	}
}

// --- AgentConfig tests ---

func TestAgentConfigGetSet(t *testing.T) {
	var cfg AgentConfig

	_, ok := cfg.Get(FieldTemperature)
	assert.False(t, ok)

	require.NoError(t, cfg.Set(FieldTemperature, 0.3))
	v, ok := cfg.Get(FieldTemperature)
	require.True(t, ok)
	assert.Equal(t, 0.3, v)

	require.NoError(t, cfg.Set(FieldDialogRound, float64(7)))
	v, _ = cfg.Get(FieldDialogRound)
	assert.Equal(t, 7, v)

	require.NoError(t, cfg.Set(FieldTopP, 1))
	v, _ = cfg.Get(FieldTopP)
	assert.Equal(t, 1.0, v)
}

func TestAgentConfigSetWrongType(t *testing.T) {
	var cfg AgentConfig
	assert.ErrorIs(t, cfg.Set(FieldDialogRound, 2.5), ErrFieldType)
	assert.ErrorIs(t, cfg.Set(FieldModelType, 4), ErrFieldType)
	assert.ErrorIs(t, cfg.Set(FieldTemperature, "hot"), ErrFieldType)
}

func TestAgentConfigSetFields(t *testing.T) {
	assert.Equal(t, Fields, fullConfig().SetFields())
	assert.Empty(t, AgentConfig{AgentID: "a1"}.SetFields())
}

func TestAgentConfigMatches(t *testing.T) {
	cfg := fullConfig()
	assert.True(t, cfg.Matches(FieldTemperature, 0.8))
	assert.True(t, cfg.Matches(FieldDialogRound, float64(5)))
	assert.False(t, cfg.Matches(FieldDialogRound, 6))
	assert.False(t, AgentConfig{}.Matches(FieldTopP, 0.9))
}

func TestAgentConfigMergeKeepsIdentity(t *testing.T) {
	base := fullConfig()
	other := AgentConfig{AgentID: "intruder", AgentName: "Other", Temperature: ptr(0.1)}

	merged := base.Merge(other)
	assert.Equal(t, "a1", merged.AgentID)
	assert.Equal(t, "Bot", merged.AgentName)
	assert.Equal(t, 0.1, *merged.Temperature)
	assert.Equal(t, 0.8, *base.Temperature, "merge must not mutate the receiver")
}

func TestAgentConfigClone(t *testing.T) {
	orig := fullConfig()
	c := orig.Clone()
	*c.Temperature = 0.0
	assert.Equal(t, 0.8, *orig.Temperature)
	assert.Equal(t, orig.AgentID, c.AgentID)
}

func TestAgentConfigJSONOmitsUnset(t *testing.T) {
	data, err := json.Marshal(AgentConfig{AgentID: "a1", AgentName: "Bot"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"agentId":"a1","agentName":"Bot"}`, string(data))
}

// --- ConfigPatch tests ---

func TestNewPatch(t *testing.T) {
	p, err := NewPatch(fullConfig(), FieldTemperature, 0.5)
	require.NoError(t, err)
	assert.Equal(t, "a1", p.AgentID)
	assert.Equal(t, "Bot", p.AgentName)
	assert.Equal(t, FieldTemperature, p.Field)
}

func TestNewPatchRejects(t *testing.T) {
	_, err := NewPatch(AgentConfig{}, FieldTemperature, 0.5)
	assert.ErrorIs(t, err, ErrMissingIdentity)

	_, err = NewPatch(fullConfig(), FieldKey("agentName"), "x")
	assert.ErrorIs(t, err, ErrUnknownField)

	_, err = NewPatch(fullConfig(), FieldOutputLimit, "many")
	assert.ErrorIs(t, err, ErrFieldType)
}

func TestPatchMarshalCarriesOneField(t *testing.T) {
	for _, f := range Fields {
		t.Run(string(f), func(t *testing.T) {
			v, _ := fullConfig().Get(f)
			p, err := NewPatch(fullConfig(), f, v)
			require.NoError(t, err)

			data, err := json.Marshal(p)
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(data, &raw))
			assert.Len(t, raw, 3)
			assert.Equal(t, "a1", raw["agentId"])
			assert.Equal(t, "Bot", raw["agentName"])
			assert.Contains(t, raw, string(f))
		})
	}
}

func TestPatchUnmarshal(t *testing.T) {
	var p ConfigPatch
	require.NoError(t, json.Unmarshal([]byte(`{"agentId":"a1","agentName":"Bot","dialogRound":9}`), &p))
	assert.Equal(t, FieldDialogRound, p.Field)
	assert.Equal(t, 9, p.Value)
}

func TestPatchUnmarshalRejects(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"two fields", `{"agentId":"a1","agentName":"Bot","topP":0.5,"temperature":0.2}`, ErrPatchFieldCount},
		{"no field", `{"agentId":"a1","agentName":"Bot"}`, ErrPatchFieldCount},
		{"no identity", `{"topP":0.5}`, ErrMissingIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p ConfigPatch
			err := json.Unmarshal([]byte(tt.input), &p)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}
