package sms

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	ExportCSV  = "csv"
	ExportJSON = "json"
)

var exportHeader = []string{
	"id", "recipient", "message", "template", "variables", "message_id", "status",
	"segments", "cost", "currency", "success", "error", "error_code", "batch_id", "sent_at",
}

// Export serializes the newest limit records as csv or json.
func (l *DeliveryLog) Export(ctx context.Context, format string, limit int) ([]byte, error) {
	if format != ExportCSV && format != ExportJSON {
		return nil, errors.Wrapf(ValidationErr, "unsupported export format %q", format)
	}

	records, err := l.Query(ctx, DeliveryCriteria{Limit: limit})
	if err != nil {
		return nil, err
	}

	if format == ExportJSON {
		return json.MarshalIndent(records, "", "  ")
	}

	return EncodeCSV(records)
}

func EncodeCSV(records []DeliveryRecord) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)

	if err := w.Write(exportHeader); err != nil {
		return nil, err
	}

	for _, r := range records {
		variables := ""
		if len(r.Variables) > 0 {
			data, err := json.Marshal(r.Variables)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to encode variables of record %d", r.Id)
			}
			variables = string(data)
		}

		segments := ""
		if r.Segments != nil {
			segments = strconv.Itoa(*r.Segments)
		}

		cost := ""
		if r.Cost != nil {
			cost = strconv.FormatFloat(*r.Cost, 'f', -1, 64)
		}

		row := []string{
			strconv.FormatInt(r.Id, 10),
			r.Recipient,
			r.Message,
			r.TemplateName,
			variables,
			r.MessageId,
			r.Status,
			segments,
			cost,
			r.Currency,
			strconv.FormatBool(r.Success),
			r.Error,
			r.ErrorCode,
			r.BatchId,
			r.SentAt.UTC().Format(time.RFC3339Nano),
		}

		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()

	return buf.Bytes(), w.Error()
}

// ParseCSVExport reads records written by EncodeCSV.
func ParseCSVExport(r io.Reader) ([]DeliveryRecord, error) {
	reader := csv.NewReader(r)

	header, err := reader.Read()
	if err == io.EOF {
		return []DeliveryRecord{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read export header")
	}

	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}

	for _, name := range exportHeader {
		if _, ok := index[name]; !ok {
			return nil, errors.Wrapf(ValidationErr, "export is missing column %q", name)
		}
	}

	records := []DeliveryRecord{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read export row")
		}

		field := func(name string) string {
			return row[index[name]]
		}

		record := DeliveryRecord{
			Recipient:    field("recipient"),
			Message:      field("message"),
			TemplateName: field("template"),
			MessageId:    field("message_id"),
			Status:       field("status"),
			Currency:     field("currency"),
			Error:        field("error"),
			ErrorCode:    field("error_code"),
			BatchId:      field("batch_id"),
		}

		if record.Id, err = strconv.ParseInt(field("id"), 10, 64); err != nil {
			return nil, errors.Wrap(err, "invalid id")
		}

		if record.Success, err = strconv.ParseBool(field("success")); err != nil {
			return nil, errors.Wrap(err, "invalid success flag")
		}

		if record.SentAt, err = time.Parse(time.RFC3339Nano, field("sent_at")); err != nil {
			return nil, errors.Wrap(err, "invalid sent_at")
		}

		if v := field("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &record.Variables); err != nil {
				return nil, errors.Wrap(err, "invalid variables")
			}
		}

		if v := field("segments"); v != "" {
			segments, err := strconv.Atoi(v)
			if err != nil {
				return nil, errors.Wrap(err, "invalid segments")
			}
			record.Segments = &segments
		}

		if v := field("cost"); v != "" {
			cost, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, errors.Wrap(err, "invalid cost")
			}
			record.Cost = &cost
		}

		records = append(records, record)
	}

	return records, nil
}
