package twilio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/interactive-solutions/go-sms"
	"github.com/interactive-solutions/go-sms/internal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const twilioApi = "https://api.twilio.com/2010-04-01"

type Option func(t *twilio)

// SetBaseUrl points the transport at another API root, e.g. a test server.
func SetBaseUrl(baseUrl string) Option {
	return func(t *twilio) {
		t.baseUrl = baseUrl
	}
}

func SetRetryMax(retries int) Option {
	return func(t *twilio) {
		t.client.RetryMax = retries
	}
}

func SetLogger(logger logrus.FieldLogger) Option {
	return func(t *twilio) {
		t.client.Logger = internal.NewRetryLogger(logger)
	}
}

// twilio is an implementation for the Twilio messages API
type twilio struct {
	client *retryablehttp.Client

	baseUrl string
	from    string

	accountSid string
	authToken  string
}

type messageResponse struct {
	Sid          string  `json:"sid"`
	Status       string  `json:"status"`
	From         string  `json:"from"`
	NumSegments  string  `json:"num_segments"`
	Price        *string `json:"price"`
	PriceUnit    string  `json:"price_unit"`
	ErrorCode    *int    `json:"error_code"`
	ErrorMessage *string `json:"error_message"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewTwilioTransport(accountSid, authToken, from string, options ...Option) (sms.Transport, error) {
	switch {
	case accountSid == "":
		return nil, errors.Wrap(sms.ConfigErr, "twilio account sid is required")
	case authToken == "":
		return nil, errors.Wrap(sms.ConfigErr, "twilio auth token is required")
	case from == "":
		return nil, errors.Wrap(sms.ConfigErr, "twilio phone number is required")
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &twilio{
		client: client,

		baseUrl:    twilioApi,
		from:       from,
		accountSid: accountSid,
		authToken:  authToken,
	}

	for _, option := range options {
		option(t)
	}

	return t, nil
}

func (t *twilio) Name() string {
	return sms.ProviderTwilio
}

func (t *twilio) Send(ctx context.Context, msg sms.Message) (sms.Receipt, error) {
	from := msg.From
	if from == "" {
		from = t.from
	}

	body := url.Values{
		"From": {from},
		"To":   {msg.To},
		"Body": {msg.Body},
	}.Encode()

	endpoint := fmt.Sprintf("%s/Accounts/%s/Messages.json", t.baseUrl, url.PathEscape(t.accountSid))

	req, err := retryablehttp.NewRequest(http.MethodPost, endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return sms.Receipt{}, err
	}

	req = req.WithContext(ctx)
	req.SetBasicAuth(t.accountSid, t.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", sms.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return sms.Receipt{}, errors.Wrap(err, "twilio request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 || resp.StatusCode <= 199 {
		failure := errorResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Message == "" {
			return sms.Receipt{}, &sms.ProviderError{
				Code:    strconv.Itoa(resp.StatusCode),
				Message: fmt.Sprintf("Unexpected response code %d received from twilio", resp.StatusCode),
			}
		}

		return sms.Receipt{}, &sms.ProviderError{
			Code:    strconv.Itoa(failure.Code),
			Message: failure.Message,
		}
	}

	message := messageResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&message); err != nil {
		return sms.Receipt{}, errors.Wrap(err, "failed to decode twilio response")
	}

	if message.ErrorCode != nil {
		failure := &sms.ProviderError{Code: strconv.Itoa(*message.ErrorCode), Message: message.Status}
		if message.ErrorMessage != nil {
			failure.Message = *message.ErrorMessage
		}

		return sms.Receipt{}, failure
	}

	receipt := sms.Receipt{
		MessageId: message.Sid,
		Status:    message.Status,
		From:      message.From,
		Currency:  message.PriceUnit,
	}

	if segments, err := strconv.Atoi(message.NumSegments); err == nil {
		receipt.Segments = &segments
	}

	// price stays null until twilio has billed the message
	if message.Price != nil {
		if price, err := strconv.ParseFloat(*message.Price, 64); err == nil {
			price = math.Abs(price)
			receipt.Cost = &price
		}
	}

	return receipt, nil
}
