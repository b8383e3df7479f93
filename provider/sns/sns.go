package sns

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	awssns "github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/interactive-solutions/go-sms"
)

const (
	senderIdAttribute = "AWS.SNS.SMS.SenderID"
	smsTypeAttribute  = "AWS.SNS.SMS.SMSType"
)

type snsTransport struct {
	sns snsiface.SNSAPI

	senderId string
	smsType  string
}

func NewSnsTransport(sess *session.Session, senderId string) sms.Transport {
	return NewSnsTransportWithClient(awssns.New(sess), senderId)
}

func NewSnsTransportWithClient(client snsiface.SNSAPI, senderId string) sms.Transport {
	return &snsTransport{
		sns:      client,
		senderId: senderId,
		smsType:  "Transactional",
	}
}

func (transport *snsTransport) Name() string {
	return sms.ProviderSns
}

func (transport *snsTransport) Send(ctx context.Context, msg sms.Message) (sms.Receipt, error) {
	sender := msg.From
	if sender == "" {
		sender = transport.senderId
	}

	attributes := map[string]*awssns.MessageAttributeValue{
		smsTypeAttribute: {
			DataType:    aws.String("String"),
			StringValue: aws.String(transport.smsType),
		},
	}

	if sender != "" {
		attributes[senderIdAttribute] = &awssns.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(sender),
		}
	}

	out, err := transport.sns.PublishWithContext(ctx, &awssns.PublishInput{
		PhoneNumber:       aws.String(msg.To),
		Message:           aws.String(msg.Body),
		MessageAttributes: attributes,
	})
	if err != nil {
		if awsErr, ok := err.(awserr.Error); ok {
			return sms.Receipt{}, &sms.ProviderError{Code: awsErr.Code(), Message: awsErr.Message()}
		}

		return sms.Receipt{}, err
	}

	return sms.Receipt{
		MessageId: aws.StringValue(out.MessageId),
		Status:    "published",
		From:      sender,
	}, nil
}
