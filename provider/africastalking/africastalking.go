package africastalking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/interactive-solutions/go-sms"
	"github.com/interactive-solutions/go-sms/internal"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	liveApi    = "https://api.africastalking.com/version1/messaging"
	sandboxApi = "https://api.sandbox.africastalking.com/version1/messaging"

	// SandboxUsername selects the sandbox API.
	SandboxUsername = "sandbox"
)

type Option func(t *africasTalking)

func SetEndpoint(endpoint string) Option {
	return func(t *africasTalking) {
		t.endpoint = endpoint
	}
}

func SetRetryMax(retries int) Option {
	return func(t *africasTalking) {
		t.client.RetryMax = retries
	}
}

func SetLogger(logger logrus.FieldLogger) Option {
	return func(t *africasTalking) {
		t.client.Logger = internal.NewRetryLogger(logger)
	}
}

type africasTalking struct {
	client *retryablehttp.Client

	endpoint string
	senderId string

	username string
	apiKey   string
}

type sendResponse struct {
	SMSMessageData struct {
		Message    string `json:"Message"`
		Recipients []struct {
			StatusCode int    `json:"statusCode"`
			Number     string `json:"number"`
			Status     string `json:"status"`
			Cost       string `json:"cost"`
			MessageId  string `json:"messageId"`
		} `json:"Recipients"`
	} `json:"SMSMessageData"`
}

// NewAfricasTalkingTransport creates a transport for the Africa's Talking
// bulk SMS API. senderId is optional.
func NewAfricasTalkingTransport(username, apiKey, senderId string, options ...Option) (sms.Transport, error) {
	switch {
	case username == "":
		return nil, errors.Wrap(sms.ConfigErr, "africa's talking username is required")
	case apiKey == "":
		return nil, errors.Wrap(sms.ConfigErr, "africa's talking api key is required")
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	t := &africasTalking{
		client: client,

		endpoint: liveApi,
		senderId: senderId,
		username: username,
		apiKey:   apiKey,
	}

	if username == SandboxUsername {
		t.endpoint = sandboxApi
	}

	for _, option := range options {
		option(t)
	}

	return t, nil
}

func (t *africasTalking) Name() string {
	return sms.ProviderAfricasTalking
}

func (t *africasTalking) Send(ctx context.Context, msg sms.Message) (sms.Receipt, error) {
	values := url.Values{
		"username": {t.username},
		"to":       {msg.To},
		"message":  {msg.Body},
	}

	from := msg.From
	if from == "" {
		from = t.senderId
	}

	if from != "" {
		values.Set("from", from)
	}

	body := values.Encode()

	req, err := retryablehttp.NewRequest(http.MethodPost, t.endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return sms.Receipt{}, err
	}

	req = req.WithContext(ctx)
	req.Header.Set("apiKey", t.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", sms.UserAgent)

	resp, err := t.client.Do(req)
	if err != nil {
		return sms.Receipt{}, errors.Wrap(err, "africa's talking request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 || resp.StatusCode <= 199 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		message := strings.TrimSpace(string(text))
		if message == "" {
			message = fmt.Sprintf("Unexpected response code %d received from africa's talking", resp.StatusCode)
		}

		return sms.Receipt{}, &sms.ProviderError{Code: strconv.Itoa(resp.StatusCode), Message: message}
	}

	decoded := sendResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return sms.Receipt{}, errors.Wrap(err, "failed to decode africa's talking response")
	}

	if len(decoded.SMSMessageData.Recipients) == 0 {
		message := "No recipients in response"
		if decoded.SMSMessageData.Message != "" {
			message += ": " + decoded.SMSMessageData.Message
		}

		return sms.Receipt{}, &sms.ProviderError{Message: message}
	}

	recipient := decoded.SMSMessageData.Recipients[0]
	if recipient.Status != "Success" {
		return sms.Receipt{}, &sms.ProviderError{
			Code:    strconv.Itoa(recipient.StatusCode),
			Message: recipient.Status,
		}
	}

	receipt := sms.Receipt{
		MessageId: recipient.MessageId,
		Status:    recipient.Status,
		From:      from,
	}

	receipt.Currency, receipt.Cost = parseCost(recipient.Cost)

	return receipt, nil
}

// parseCost splits a cost such as "KES 0.8000" into currency and amount.
func parseCost(cost string) (string, *float64) {
	fields := strings.Fields(cost)
	if len(fields) != 2 {
		return "", nil
	}

	amount, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", nil
	}

	return fields[0], &amount
}
