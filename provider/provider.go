// Package provider selects the sms transport named by the configuration.
package provider

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/interactive-solutions/go-sms"
	"github.com/interactive-solutions/go-sms/config"
	elks "github.com/interactive-solutions/go-sms/provider/46elks"
	"github.com/interactive-solutions/go-sms/provider/africastalking"
	"github.com/interactive-solutions/go-sms/provider/sns"
	"github.com/interactive-solutions/go-sms/provider/twilio"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// New builds the transport for cfg.Provider. Each transport validates its
// own credentials and fails with sms.ConfigErr when they are incomplete.
func New(cfg config.Config, logger logrus.FieldLogger) (sms.Transport, error) {
	switch cfg.Provider {
	case sms.ProviderTwilio:
		return twilio.NewTwilioTransport(
			cfg.Twilio.AccountSid,
			cfg.Twilio.AuthToken,
			cfg.Twilio.PhoneNumber,
			twilio.SetRetryMax(cfg.HttpRetries),
			twilio.SetLogger(logger),
		)

	case sms.ProviderAfricasTalking:
		return africastalking.NewAfricasTalkingTransport(
			cfg.AfricasTalking.Username,
			cfg.AfricasTalking.ApiKey,
			cfg.AfricasTalking.SenderId,
			africastalking.SetRetryMax(cfg.HttpRetries),
			africastalking.SetLogger(logger),
		)

	case sms.Provider46elks:
		return elks.New46ElksClient(
			cfg.Elks.From,
			cfg.Elks.Username,
			cfg.Elks.Password,
			elks.SetRetryMax(cfg.HttpRetries),
		)

	case sms.ProviderSns:
		if cfg.Sns.Region == "" {
			return nil, errors.Wrap(sms.ConfigErr, "sns region is required")
		}

		sess, err := session.NewSession(&aws.Config{Region: aws.String(cfg.Sns.Region)})
		if err != nil {
			return nil, errors.Wrapf(sms.ConfigErr, "failed to create aws session: %v", err)
		}

		return sns.NewSnsTransport(sess, cfg.Sns.SenderId), nil

	default:
		return nil, errors.Wrapf(sms.ConfigErr, "unsupported provider %q", cfg.Provider)
	}
}

// NewGateway builds the transport for cfg and wraps it in a gateway.
func NewGateway(cfg config.Config, logger logrus.FieldLogger, options ...sms.GatewayOption) (*sms.Gateway, error) {
	transport, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}

	options = append([]sms.GatewayOption{
		sms.SetGatewayLogger(logger),
		sms.SetSendTimeout(cfg.SendTimeout),
	}, options...)

	return sms.NewGateway(transport, options...)
}
