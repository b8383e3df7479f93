package sns

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	awssns "github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSns struct {
	snsiface.SNSAPI

	input *awssns.PublishInput
	err   error
}

func (f *fakeSns) PublishWithContext(ctx aws.Context, input *awssns.PublishInput, opts ...request.Option) (*awssns.PublishOutput, error) {
	f.input = input
	if f.err != nil {
		return nil, f.err
	}

	return &awssns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSend(t *testing.T) {
	client := &fakeSns{}
	transport := NewSnsTransportWithClient(client, "ACME")

	receipt, err := transport.Send(context.Background(), sms.Message{To: "+15550001", Body: "Hello"})
	require.NoError(t, err)

	assert.Equal(t, "+15550001", aws.StringValue(client.input.PhoneNumber))
	assert.Equal(t, "Hello", aws.StringValue(client.input.Message))
	assert.Equal(t, "ACME", aws.StringValue(client.input.MessageAttributes[senderIdAttribute].StringValue))
	assert.Equal(t, "Transactional", aws.StringValue(client.input.MessageAttributes[smsTypeAttribute].StringValue))

	assert.Equal(t, "msg-1", receipt.MessageId)
	assert.Equal(t, "published", receipt.Status)
	assert.Equal(t, sms.ProviderSns, transport.Name())
}

func TestSendWithoutSenderId(t *testing.T) {
	client := &fakeSns{}
	transport := NewSnsTransportWithClient(client, "")

	_, err := transport.Send(context.Background(), sms.Message{To: "+15550001", Body: "Hello"})
	require.NoError(t, err)

	_, ok := client.input.MessageAttributes[senderIdAttribute]
	assert.False(t, ok)
}

func TestSendRejected(t *testing.T) {
	client := &fakeSns{err: awserr.New("InvalidParameter", "Invalid parameter: PhoneNumber", nil)}
	transport := NewSnsTransportWithClient(client, "")

	_, err := transport.Send(context.Background(), sms.Message{To: "bad", Body: "Hello"})

	var providerErr *sms.ProviderError
	require.True(t, errors.As(err, &providerErr))
	assert.Equal(t, "InvalidParameter", providerErr.Code)
	assert.Equal(t, "Invalid parameter: PhoneNumber", providerErr.Message)
}
