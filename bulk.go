package sms

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// PhoneColumn is the bulk input column holding the recipient number.
const PhoneColumn = "phone"

// BulkInput is a parsed bulk recipient file. Columns excludes the phone
// column; every other column is a template variable.
type BulkInput struct {
	Columns []string
	Rows    []Recipient
}

// ReadRecipients parses comma separated recipients whose first row is a
// header containing a phone column. Short rows only carry the variables
// for the columns they have.
func ReadRecipients(r io.Reader) (BulkInput, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return BulkInput{}, errors.Wrap(ValidationErr, "no recipients found in csv")
	}
	if err != nil {
		return BulkInput{}, errors.Wrap(err, "failed to read csv header")
	}

	phoneIndex := -1
	input := BulkInput{}
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		header[i] = name

		if name == PhoneColumn {
			phoneIndex = i
			continue
		}

		input.Columns = append(input.Columns, name)
	}

	if phoneIndex < 0 {
		return BulkInput{}, errors.Wrapf(ValidationErr, "csv must have a %q column", PhoneColumn)
	}

	for row := 1; ; row++ {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return BulkInput{}, errors.Wrapf(err, "failed to read csv row %d", row)
		}

		recipient := Recipient{
			Row:       row,
			Variables: map[string]string{},
		}

		for i, value := range fields {
			if i >= len(header) {
				break
			}

			if i == phoneIndex {
				recipient.Phone = strings.TrimSpace(value)
				continue
			}

			recipient.Variables[header[i]] = value
		}

		input.Rows = append(input.Rows, recipient)
	}

	if len(input.Rows) == 0 {
		return BulkInput{}, errors.Wrap(ValidationErr, "no recipients found in csv")
	}

	return input, nil
}
