package factory

import (
	"testing"

	"github.com/BaSui01/queenbee/providers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewProvider_AllTypes(t *testing.T) {
	tests := []struct {
		cfg      providers.Config
		wantName string
	}{
		{providers.Config{Type: providers.TypeOpenAI, APIKey: "sk-test"}, "openai"},
		{providers.Config{Type: providers.TypeAnthropic, APIKey: "sk-test"}, "anthropic"},
		{providers.Config{Type: providers.TypeGemini, APIKey: "sk-test"}, "gemini"},
		{providers.Config{Name: "backup", Type: providers.TypeOpenAI, APIKey: "sk-test"}, "backup"},
	}
	for _, tt := range tests {
		t.Run(tt.wantName, func(t *testing.T) {
			p, err := NewProvider(tt.cfg, zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, p.Name())
		})
	}
}

func TestNewProvider_WarnsAboutSDKRetries(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	_, err := NewProvider(providers.Config{Type: providers.TypeOpenAI, APIKey: "k"}, zap.New(core))
	require.NoError(t, err)
	assert.Zero(t, logs.Len())

	_, err = NewProvider(providers.Config{Type: providers.TypeOpenAI, APIKey: "k", MaxRetries: 2}, zap.New(core))
	require.NoError(t, err)
	require.Equal(t, 1, logs.Len())
	assert.EqualValues(t, 2, logs.All()[0].ContextMap()["max_retries"])
}

func TestNewProvider_Invalid(t *testing.T) {
	_, err := NewProvider(providers.Config{Type: "mistral", APIKey: "k"}, nil)
	assert.ErrorContains(t, err, "unsupported type")

	_, err = NewProvider(providers.Config{Type: providers.TypeOpenAI}, nil)
	assert.ErrorContains(t, err, "api_key is required")
}

func TestNewProviders_RejectsDuplicates(t *testing.T) {
	_, err := NewProviders([]providers.Config{
		{Type: providers.TypeOpenAI, APIKey: "k"},
		{Type: providers.TypeOpenAI, APIKey: "k2"},
	}, nil)
	assert.ErrorContains(t, err, `duplicate provider name "openai"`)

	ps, err := NewProviders([]providers.Config{
		{Type: providers.TypeOpenAI, APIKey: "k"},
		{Type: providers.TypeGemini, APIKey: "k"},
	}, nil)
	require.NoError(t, err)
	assert.Len(t, ps, 2)
}

func TestSupportedTypes(t *testing.T) {
	assert.Len(t, SupportedTypes(), 3)
}
