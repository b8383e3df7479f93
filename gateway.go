package sms

import (
	"context"
	"fmt"
	"time"

	"github.com/nyaruka/phonenumbers"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultSegmentRate is the per segment price used for providers without an
// entry in the rate table.
const DefaultSegmentRate = 0.0079

const (
	ProviderTwilio         = "twilio"
	ProviderAfricasTalking = "africas_talking"
	ProviderSns            = "sns"
	Provider46elks         = "46elks"
)

var segmentRates = map[string]float64{
	ProviderTwilio:         0.0079,
	ProviderAfricasTalking: 0.008,
}

// Outcome is the result of one send attempt. A failed outcome always has
// Error set.
type Outcome struct {
	To        string   `json:"to"`
	Success   bool     `json:"success"`
	MessageId string   `json:"messageId,omitempty"`
	Status    string   `json:"status,omitempty"`
	From      string   `json:"from,omitempty"`
	Segments  *int     `json:"segments,omitempty"`
	Cost      *float64 `json:"cost,omitempty"`
	Currency  string   `json:"currency,omitempty"`
	Error     string   `json:"error,omitempty"`
	ErrorCode string   `json:"errorCode,omitempty"`
}

// Recipient is one row of a bulk send.
type Recipient struct {
	Row       int               `json:"row"`
	Phone     string            `json:"phone"`
	Variables map[string]string `json:"variables"`
}

type RenderFunc func(row Recipient) (string, error)

// OutcomeHandler is called after every bulk send, before the next one
// starts. Returning an error stops the batch.
type OutcomeHandler func(index int, row Recipient, body string, outcome Outcome) error

type CostEstimate struct {
	Segments       int     `json:"segments"`
	Recipients     int     `json:"recipients"`
	CostPerSegment float64 `json:"costPerSegment"`
	TotalCost      float64 `json:"totalCost"`
	Currency       string  `json:"currency"`
}

type PhoneValidation struct {
	Number  string `json:"number"`
	Valid   bool   `json:"valid"`
	E164    string `json:"e164,omitempty"`
	Country string `json:"country,omitempty"`
	Error   string `json:"error,omitempty"`
}

type GatewayOption func(g *Gateway)

func SetGatewayLogger(logger logrus.FieldLogger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// SetSendTimeout bounds every single send. Zero disables the bound.
func SetSendTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.timeout = timeout
	}
}

func SetMetrics(metrics *Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = metrics
	}
}

type BulkOption func(s *bulkSettings)

type bulkSettings struct {
	from    string
	handler OutcomeHandler
}

// BulkFrom overrides the sender for every message of a batch.
func BulkFrom(from string) BulkOption {
	return func(s *bulkSettings) {
		s.from = from
	}
}

func BulkOutcomeHandler(handler OutcomeHandler) BulkOption {
	return func(s *bulkSettings) {
		s.handler = handler
	}
}

// Gateway sends messages through a single provider transport. Its send
// methods never return provider errors: they are reported as failed outcomes.
type Gateway struct {
	transport Transport
	logger    logrus.FieldLogger
	metrics   *Metrics
	timeout   time.Duration

	wait func(ctx context.Context, d time.Duration) error
}

func NewGateway(transport Transport, options ...GatewayOption) (*Gateway, error) {
	if transport == nil {
		return nil, errors.Wrap(ConfigErr, "no sms transport configured")
	}

	g := &Gateway{
		transport: transport,
		logger:    logrus.New(),
		timeout:   15 * time.Second,
		wait:      sleep,
	}

	for _, option := range options {
		option(g)
	}

	return g, nil
}

func (g *Gateway) Provider() string {
	return g.transport.Name()
}

// Send delivers body to a single recipient. from overrides the configured
// sender when not empty.
func (g *Gateway) Send(ctx context.Context, to, body, from string) (outcome Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			outcome = failedOutcome(to, errors.Errorf("transport panic: %v", r))
		}

		g.metrics.observe(g.transport.Name(), outcome, time.Since(start))

		if !outcome.Success {
			g.logger.
				WithField("provider", g.transport.Name()).
				WithField("recipient", to).
				WithField("code", outcome.ErrorCode).
				Warn(outcome.Error)
		}
	}()

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	receipt, err := g.transport.Send(ctx, Message{To: to, From: from, Body: body})
	if err != nil {
		return failedOutcome(to, err)
	}

	return Outcome{
		To:        to,
		Success:   true,
		MessageId: receipt.MessageId,
		Status:    receipt.Status,
		From:      receipt.From,
		Segments:  receipt.Segments,
		Cost:      receipt.Cost,
		Currency:  receipt.Currency,
	}
}

// SendBulk sends the same body to every recipient, in order.
func (g *Gateway) SendBulk(ctx context.Context, recipients []string, body string, rateLimit float64, options ...BulkOption) ([]Outcome, error) {
	rows := make([]Recipient, len(recipients))
	for i, to := range recipients {
		rows[i] = Recipient{Row: i + 1, Phone: to}
	}

	return g.SendBulkPersonalized(ctx, rows, func(Recipient) (string, error) {
		return body, nil
	}, rateLimit, options...)
}

// SendBulkPersonalized renders and sends one message per row, in order,
// pausing 1/rateLimit seconds between sends when rateLimit is positive. A
// failure to render or send a row becomes a failed outcome for that row only.
// The returned error is set when ctx is cancelled or the outcome handler
// fails; the outcomes produced so far are returned with it.
func (g *Gateway) SendBulkPersonalized(ctx context.Context, rows []Recipient, render RenderFunc, rateLimit float64, options ...BulkOption) ([]Outcome, error) {
	settings := bulkSettings{}
	for _, option := range options {
		option(&settings)
	}

	var delay time.Duration
	if rateLimit > 0 {
		delay = time.Duration(float64(time.Second) / rateLimit)
	}

	outcomes := make([]Outcome, 0, len(rows))
	for i, row := range rows {
		if i > 0 && delay > 0 {
			if err := g.wait(ctx, delay); err != nil {
				return outcomes, err
			}
		}

		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		var outcome Outcome
		body, err := render(row)
		if err != nil {
			outcome = failedOutcome(row.Phone, err)
		} else {
			outcome = g.Send(ctx, row.Phone, body, settings.from)
		}

		outcomes = append(outcomes, outcome)

		if settings.handler != nil {
			if err := settings.handler(i, row, body, outcome); err != nil {
				return outcomes, err
			}
		}
	}

	return outcomes, nil
}

// EstimateCost estimates the cost of sending with the gateway's provider.
func (g *Gateway) EstimateCost(segments, recipients int) CostEstimate {
	return EstimateCost(segments, recipients, g.transport.Name())
}

func EstimateCost(segments, recipients int, provider string) CostEstimate {
	rate, ok := segmentRates[provider]
	if !ok {
		rate = DefaultSegmentRate
	}

	return CostEstimate{
		Segments:       segments,
		Recipients:     recipients,
		CostPerSegment: rate,
		TotalCost:      float64(segments*recipients) * rate,
		Currency:       "USD",
	}
}

// ValidatePhone parses number, which must carry its country code, and
// reports its E.164 form and region.
func ValidatePhone(number string) PhoneValidation {
	result := PhoneValidation{Number: number}

	parsed, err := phonenumbers.Parse(number, "")
	if err != nil {
		result.Error = err.Error()
		return result
	}

	if !phonenumbers.IsValidNumber(parsed) {
		result.Error = fmt.Sprintf("%s is not a valid phone number", number)
		return result
	}

	result.Valid = true
	result.E164 = phonenumbers.Format(parsed, phonenumbers.E164)
	result.Country = phonenumbers.GetRegionCodeForNumber(parsed)

	return result
}

func failedOutcome(to string, err error) Outcome {
	outcome := Outcome{
		To:    to,
		Error: err.Error(),
	}

	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		outcome.ErrorCode = providerErr.Code
		if providerErr.Message != "" {
			outcome.Error = providerErr.Message
		}
	}

	if outcome.Error == "" {
		outcome.Error = TransportErr.Error()
	}

	return outcome
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
