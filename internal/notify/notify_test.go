package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/integrationd/internal/integrator"
)

func TestSubjectFor(t *testing.T) {
	assert.Equal(t, "integrationd.events.integration.finished",
		subjectFor("integrationd.events", integrator.EventIntegrationFinished))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	assert.Equal(t, "nats://localhost:4222", cfg.URL)
	assert.Equal(t, "integrationd.events", cfg.SubjectPrefix)
	require.NoError(t, cfg.Validate())
}

func TestConfigValidateRejectsWhitespace(t *testing.T) {
	cfg := Config{SubjectPrefix: "bad prefix"}
	cfg.ApplyDefaults()
	require.Error(t, cfg.Validate())
}

func TestNopPublish(t *testing.T) {
	var n Nop
	require.NoError(t, n.Publish(context.Background(), integrator.Event{
		Type: integrator.EventVerificationFinished,
	}))
}
