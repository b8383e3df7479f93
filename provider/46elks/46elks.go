package elks

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
)

const elksApi = "https://api.46elks.com/a1/sms"

// costUnit is the fraction of the currency unit 46elks reports costs in.
const costUnit = 10000

type Option func(e *elks)

func SetEndpoint(endpoint string) Option {
	return func(e *elks) {
		e.endpoint = endpoint
	}
}

func SetRetryMax(retries int) Option {
	return func(e *elks) {
		e.client.RetryMax = retries
	}
}

// Elks in an implementation for 46elks
type elks struct {
	client *retryablehttp.Client

	endpoint string
	from     string

	username string
	password string
}

type smsResponse struct {
	Id     string `json:"id"`
	Status string `json:"status"`
	From   string `json:"from"`
	Parts  int    `json:"parts"`
	Cost   *int64 `json:"cost"`
}

func New46ElksClient(from, username, password string, options ...Option) (sms.Transport, error) {
	switch {
	case username == "" || password == "":
		return nil, errors.Wrap(sms.ConfigErr, "46elks api username and password are required")
	case from == "":
		return nil, errors.Wrap(sms.ConfigErr, "46elks sender is required")
	}

	client := retryablehttp.NewClient()
	client.Logger = nil
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	e := &elks{
		client: client,

		endpoint: elksApi,
		from:     from,
		username: username,
		password: password,
	}

	for _, option := range options {
		option(e)
	}

	return e, nil
}

func (e *elks) Name() string {
	return sms.Provider46elks
}

func (e *elks) Send(ctx context.Context, msg sms.Message) (sms.Receipt, error) {
	from := msg.From
	if from == "" {
		from = e.from
	}

	body := url.Values{
		"from":    {from},
		"to":      {msg.To},
		"message": {msg.Body},
	}.Encode()

	req, err := retryablehttp.NewRequest(http.MethodPost, e.endpoint, bytes.NewReader([]byte(body)))
	if err != nil {
		return sms.Receipt{}, err
	}

	req = req.WithContext(ctx)
	req.SetBasicAuth(e.username, e.password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.Header.Set("User-Agent", sms.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return sms.Receipt{}, errors.Wrap(err, "46elks request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 || resp.StatusCode <= 199 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		message := strings.TrimSpace(string(text))
		if message == "" {
			message = "Unexpected response code " + strconv.Itoa(resp.StatusCode) + " received from 46elks"
		}

		return sms.Receipt{}, &sms.ProviderError{Code: strconv.Itoa(resp.StatusCode), Message: message}
	}

	decoded := smsResponse{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return sms.Receipt{}, errors.Wrap(err, "failed to decode 46elks response")
	}

	receipt := sms.Receipt{
		MessageId: decoded.Id,
		Status:    decoded.Status,
		From:      decoded.From,
	}

	if decoded.Parts > 0 {
		parts := decoded.Parts
		receipt.Segments = &parts
	}

	if decoded.Cost != nil {
		cost := float64(*decoded.Cost) / costUnit
		receipt.Cost = &cost
		receipt.Currency = "SEK"
	}

	return receipt, nil
}
