package sms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ConfigErr           = errors.New("invalid configuration")
	TemplateNotFoundErr = errors.New("the template was not found")
	RecordNotFoundErr   = errors.New("the delivery record was not found")
	ValidationErr       = errors.New("validation failed")
	RenderErr           = errors.New("failed to render template")
	TransportErr        = errors.New("provider rejected the message")
	StorageErr          = errors.New("delivery log storage failure")
)

// MissingVariablesError is returned when a template is rendered for sending
// without all of the variables it references.
type MissingVariablesError struct {
	Template string
	Missing  []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("template %q is missing variables: %s", e.Template, strings.Join(e.Missing, ", "))
}

func (e *MissingVariablesError) Is(target error) bool {
	return target == ValidationErr
}

// ProviderError is the error a transport returns when the provider refused
// a message. Code is the provider specific error code, if any.
type ProviderError struct {
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s)", e.Message, e.Code)
	}

	return e.Message
}

func (e *ProviderError) Is(target error) bool {
	return target == TransportErr
}

// TemplateInfo describes a stored template without its content.
type TemplateInfo struct {
	Name     string `json:"name"`
	Location string `json:"location"`
}

type TemplateRepository interface {
	List(ctx context.Context) ([]TemplateInfo, error)
	Get(ctx context.Context, name string) (Template, error)

	Save(ctx context.Context, template *Template) error
	Delete(ctx context.Context, name string) (bool, error)
}

// DeliveryRepository persists delivery records. Records are write once; the
// only mutation after Create is DeleteBefore.
type DeliveryRepository interface {
	Create(ctx context.Context, record *DeliveryRecord) error
	Get(ctx context.Context, id int64) (DeliveryRecord, error)
	Matching(ctx context.Context, criteria DeliveryCriteria) ([]DeliveryRecord, error)
	Search(ctx context.Context, text string, limit int) ([]DeliveryRecord, error)
	Aggregate(ctx context.Context, from, to time.Time) (DeliveryAggregate, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// StorageError reports a failed delivery log operation. It matches StorageErr.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("delivery log %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == StorageErr
}
