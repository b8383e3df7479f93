package sms

import "context"

const UserAgent = "InteractiveSolutions/GoSms-1.0"

// Message is a single rendered SMS handed to a transport.
type Message struct {
	To   string
	From string
	Body string
}

// Receipt is what a provider reports for an accepted message. Segments and
// Cost are nil when the provider does not report them.
type Receipt struct {
	MessageId string
	Status    string
	From      string
	Segments  *int
	Cost      *float64
	Currency  string
}

// Transport delivers one message through a provider. A provider refusal is
// returned as a *ProviderError.
type Transport interface {
	Name() string
	Send(ctx context.Context, msg Message) (Receipt, error)
}
