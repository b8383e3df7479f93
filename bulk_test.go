package sms_test

import (
	"strings"
	"testing"

	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadRecipients(t *testing.T) {
	input, err := sms.ReadRecipients(strings.NewReader("\ufeffname, phone ,code\nAnn,+1,42\nBob, +2\n"))
	require.NoError(t, err)

	assert.Equal(t, []string{"name", "code"}, input.Columns)
	require.Len(t, input.Rows, 2)

	assert.Equal(t, sms.Recipient{Row: 1, Phone: "+1", Variables: map[string]string{"name": "Ann", "code": "42"}}, input.Rows[0])
	assert.Equal(t, sms.Recipient{Row: 2, Phone: "+2", Variables: map[string]string{"name": "Bob"}}, input.Rows[1])
}

func TestReadRecipientsWithoutPhoneColumn(t *testing.T) {
	_, err := sms.ReadRecipients(strings.NewReader("name,number\nAnn,+1\n"))
	assert.True(t, errors.Is(err, sms.ValidationErr))
}

func TestReadRecipientsWithoutRows(t *testing.T) {
	_, err := sms.ReadRecipients(strings.NewReader("phone,name\n"))
	assert.True(t, errors.Is(err, sms.ValidationErr))

	_, err = sms.ReadRecipients(strings.NewReader(""))
	assert.True(t, errors.Is(err, sms.ValidationErr))
}
