package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeWireShape(t *testing.T) {
	env := NewEnvelope("audit-events", map[string]string{"Table": "accounts"})

	payload, err := env.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"QueueName":"audit-events","Model":{"Table":"accounts"}}`, string(payload))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	type model struct {
		Name  string
		Count int
	}
	env := NewEnvelope("counters", model{Name: "widgets", Count: 7})

	payload, err := env.Encode()
	require.NoError(t, err)

	got, err := DecodeEnvelope[model](payload)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := DecodeEnvelope[string]([]byte("not json"))
	assert.Error(t, err)
}
