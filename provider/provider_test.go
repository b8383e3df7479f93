package provider

import (
	"testing"

	"github.com/interactive-solutions/go-sms"
	"github.com/interactive-solutions/go-sms/config"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cfg := config.Config{
		Twilio:         config.TwilioConfig{AccountSid: "AC1", AuthToken: "secret", PhoneNumber: "+15550000"},
		AfricasTalking: config.AfricasTalkingConfig{Username: "sandbox", ApiKey: "key"},
		Sns:            config.SnsConfig{Region: "eu-west-1"},
		Elks:           config.ElksConfig{Username: "user", Password: "pass", From: "ACME"},
	}

	for _, name := range []string{sms.ProviderTwilio, sms.ProviderAfricasTalking, sms.ProviderSns, sms.Provider46elks} {
		cfg.Provider = name

		transport, err := New(cfg, logrus.New())
		require.NoError(t, err, name)
		assert.Equal(t, name, transport.Name())
	}
}

func TestNewRejectsIncompleteConfiguration(t *testing.T) {
	for _, cfg := range []config.Config{
		{Provider: "carrier-pigeon"},
		{Provider: sms.ProviderTwilio},
		{Provider: sms.ProviderAfricasTalking},
		{Provider: sms.ProviderSns},
		{Provider: sms.Provider46elks},
	} {
		_, err := New(cfg, logrus.New())
		assert.True(t, errors.Is(err, sms.ConfigErr), cfg.Provider)
	}
}

func TestNewGateway(t *testing.T) {
	gateway, err := NewGateway(config.Config{
		Provider: sms.ProviderTwilio,
		Twilio:   config.TwilioConfig{AccountSid: "AC1", AuthToken: "secret", PhoneNumber: "+15550000"},
	}, logrus.New())
	require.NoError(t, err)

	assert.Equal(t, sms.ProviderTwilio, gateway.Provider())
}
