package sms

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestGateway(t *testing.T) {
	suite.Run(t, new(gatewayTestSuite))
}

type gatewayTestSuite struct {
	suite.Suite

	transport *fakeTransport
	gateway   *Gateway
	waits     []time.Duration
}

func (suite *gatewayTestSuite) SetupTest() {
	suite.transport = &fakeTransport{fail: map[string]error{}}
	suite.waits = nil

	gateway, err := NewGateway(suite.transport)
	require.NoError(suite.T(), err)

	gateway.wait = func(ctx context.Context, d time.Duration) error {
		suite.waits = append(suite.waits, d)
		return ctx.Err()
	}

	suite.gateway = gateway
}

func (suite *gatewayTestSuite) TestNewGatewayRequiresTransport() {
	_, err := NewGateway(nil)
	assert.True(suite.T(), errors.Is(err, ConfigErr))
}

func (suite *gatewayTestSuite) TestSend() {
	outcome := suite.gateway.Send(context.Background(), "+15550001", "Hello", "")

	assert.True(suite.T(), outcome.Success)
	assert.Equal(suite.T(), "+15550001", outcome.To)
	assert.Equal(suite.T(), "id-1", outcome.MessageId)
	assert.Equal(suite.T(), "queued", outcome.Status)
	require.NotNil(suite.T(), outcome.Segments)
	assert.Equal(suite.T(), 1, *outcome.Segments)
	assert.Empty(suite.T(), outcome.Error)

	require.Len(suite.T(), suite.transport.sent, 1)
	assert.Equal(suite.T(), Message{To: "+15550001", Body: "Hello"}, suite.transport.sent[0])
}

func (suite *gatewayTestSuite) TestSendFromOverride() {
	suite.gateway.Send(context.Background(), "+15550001", "Hello", "ACME")

	require.Len(suite.T(), suite.transport.sent, 1)
	assert.Equal(suite.T(), "ACME", suite.transport.sent[0].From)
}

func (suite *gatewayTestSuite) TestSendProviderError() {
	suite.transport.fail["+15550002"] = &ProviderError{Code: "21211", Message: "Invalid 'To' Phone Number"}

	outcome := suite.gateway.Send(context.Background(), "+15550002", "Hello", "")

	assert.False(suite.T(), outcome.Success)
	assert.Equal(suite.T(), "Invalid 'To' Phone Number", outcome.Error)
	assert.Equal(suite.T(), "21211", outcome.ErrorCode)
}

func (suite *gatewayTestSuite) TestSendNetworkError() {
	suite.transport.fail["+15550002"] = errors.New("connection refused")

	outcome := suite.gateway.Send(context.Background(), "+15550002", "Hello", "")

	assert.False(suite.T(), outcome.Success)
	assert.Equal(suite.T(), "connection refused", outcome.Error)
	assert.Empty(suite.T(), outcome.ErrorCode)
}

func (suite *gatewayTestSuite) TestSendRecoversPanic() {
	suite.transport.panics = true

	outcome := suite.gateway.Send(context.Background(), "+15550001", "Hello", "")

	assert.False(suite.T(), outcome.Success)
	assert.Contains(suite.T(), outcome.Error, "transport panic")
}

func (suite *gatewayTestSuite) TestSendBulkIsolatesFailures() {
	suite.transport.fail["+2"] = &ProviderError{Message: "blocked"}

	outcomes, err := suite.gateway.SendBulk(context.Background(), []string{"+1", "+2", "+3"}, "Hello", 0)
	require.NoError(suite.T(), err)

	require.Len(suite.T(), outcomes, 3)
	assert.True(suite.T(), outcomes[0].Success)
	assert.False(suite.T(), outcomes[1].Success)
	assert.Equal(suite.T(), "blocked", outcomes[1].Error)
	assert.True(suite.T(), outcomes[2].Success)

	assert.Len(suite.T(), suite.transport.sent, 3)
	assert.Empty(suite.T(), suite.waits)
}

func (suite *gatewayTestSuite) TestSendBulkPausesBetweenSends() {
	_, err := suite.gateway.SendBulk(context.Background(), []string{"+1", "+2", "+3"}, "Hello", 4)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, suite.waits)
}

func (suite *gatewayTestSuite) TestSendBulkPersonalized() {
	rows := []Recipient{
		{Row: 1, Phone: "+1", Variables: map[string]string{"name": "Ann"}},
		{Row: 2, Phone: "+2", Variables: map[string]string{"name": "Bob"}},
	}

	handled := []string{}
	outcomes, err := suite.gateway.SendBulkPersonalized(context.Background(), rows, func(row Recipient) (string, error) {
		return RenderString("t", "Hi {{name}}", row.Variables)
	}, 0, BulkOutcomeHandler(func(index int, row Recipient, body string, outcome Outcome) error {
		handled = append(handled, body)
		return nil
	}))
	require.NoError(suite.T(), err)

	assert.Len(suite.T(), outcomes, 2)
	assert.Equal(suite.T(), []string{"Hi Ann", "Hi Bob"}, handled)
	assert.Equal(suite.T(), "Hi Bob", suite.transport.sent[1].Body)
}

func (suite *gatewayTestSuite) TestSendBulkRenderFailure() {
	rows := []Recipient{{Row: 1, Phone: "+1"}, {Row: 2, Phone: "+2"}}

	outcomes, err := suite.gateway.SendBulkPersonalized(context.Background(), rows, func(row Recipient) (string, error) {
		if row.Row == 1 {
			return "", errors.Wrap(RenderErr, "broken")
		}
		return "ok", nil
	}, 0)
	require.NoError(suite.T(), err)

	require.Len(suite.T(), outcomes, 2)
	assert.False(suite.T(), outcomes[0].Success)
	assert.NotEmpty(suite.T(), outcomes[0].Error)
	assert.True(suite.T(), outcomes[1].Success)
	assert.Len(suite.T(), suite.transport.sent, 1)
}

func (suite *gatewayTestSuite) TestSendBulkHandlerErrorStops() {
	outcomes, err := suite.gateway.SendBulk(context.Background(), []string{"+1", "+2", "+3"}, "Hello", 0,
		BulkOutcomeHandler(func(index int, row Recipient, body string, outcome Outcome) error {
			if index == 1 {
				return StorageErr
			}
			return nil
		}),
	)

	assert.True(suite.T(), errors.Is(err, StorageErr))
	assert.Len(suite.T(), outcomes, 2)
	assert.Len(suite.T(), suite.transport.sent, 2)
}

func (suite *gatewayTestSuite) TestSendBulkCancelled() {
	ctx, cancel := context.WithCancel(context.Background())

	outcomes, err := suite.gateway.SendBulk(ctx, []string{"+1", "+2", "+3"}, "Hello", 0,
		BulkOutcomeHandler(func(index int, row Recipient, body string, outcome Outcome) error {
			cancel()
			return nil
		}),
	)

	assert.True(suite.T(), errors.Is(err, context.Canceled))
	assert.Len(suite.T(), outcomes, 1)
	assert.Len(suite.T(), suite.transport.sent, 1)
}

func (suite *gatewayTestSuite) TestSleepHonoursContext() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(suite.T(), context.Canceled, sleep(ctx, time.Hour))
	assert.NoError(suite.T(), sleep(context.Background(), time.Millisecond))
}

func (suite *gatewayTestSuite) TestEstimateCost() {
	estimate := EstimateCost(2, 100, ProviderTwilio)

	assert.Equal(suite.T(), 0.0079, estimate.CostPerSegment)
	assert.InDelta(suite.T(), 1.58, estimate.TotalCost, 0.000001)
	assert.Equal(suite.T(), "USD", estimate.Currency)

	assert.Equal(suite.T(), 0.008, EstimateCost(1, 1, ProviderAfricasTalking).CostPerSegment)
	assert.Equal(suite.T(), DefaultSegmentRate, EstimateCost(1, 1, "unknown").CostPerSegment)
	assert.Equal(suite.T(), DefaultSegmentRate, suite.gateway.EstimateCost(1, 1).CostPerSegment)
}

func (suite *gatewayTestSuite) TestValidatePhone() {
	valid := ValidatePhone("+12015550123")
	assert.True(suite.T(), valid.Valid)
	assert.Equal(suite.T(), "+12015550123", valid.E164)
	assert.Equal(suite.T(), "US", valid.Country)

	invalid := ValidatePhone("12345")
	assert.False(suite.T(), invalid.Valid)
	assert.NotEmpty(suite.T(), invalid.Error)
}

func (suite *gatewayTestSuite) TestMetrics() {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	gateway, err := NewGateway(suite.transport, SetMetrics(metrics))
	require.NoError(suite.T(), err)

	suite.transport.fail["+2"] = &ProviderError{Message: "blocked"}
	gateway.Send(context.Background(), "+1", "Hello", "")
	gateway.Send(context.Background(), "+2", "Hello", "")

	assert.Equal(suite.T(), 1.0, testutil.ToFloat64(metrics.attempts.WithLabelValues("fake", "sent")))
	assert.Equal(suite.T(), 1.0, testutil.ToFloat64(metrics.attempts.WithLabelValues("fake", "failed")))
	assert.Equal(suite.T(), 1.0, testutil.ToFloat64(metrics.segments.WithLabelValues("fake")))
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []Message
	fail   map[string]error
	panics bool
}

func (t *fakeTransport) Name() string {
	return "fake"
}

func (t *fakeTransport) Send(ctx context.Context, msg Message) (Receipt, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.panics {
		panic("boom")
	}

	if err, ok := t.fail[msg.To]; ok {
		return Receipt{}, err
	}

	t.sent = append(t.sent, msg)
	segments, _ := CountSegments(msg.Body)

	return Receipt{
		MessageId: "id-" + string(rune('0'+len(t.sent))),
		Status:    "queued",
		Segments:  &segments,
	}, nil
}
