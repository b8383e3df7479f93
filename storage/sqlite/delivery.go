package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/interactive-solutions/go-sms"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so that text comparison orders timestamps.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS sms_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient     TEXT    NOT NULL,
	message       TEXT    NOT NULL,
	template_name TEXT    NOT NULL DEFAULT '',
	variables     TEXT    NOT NULL DEFAULT '',
	message_id    TEXT    NOT NULL DEFAULT '',
	status        TEXT    NOT NULL DEFAULT '',
	segments      INTEGER,
	cost          REAL,
	currency      TEXT    NOT NULL DEFAULT '',
	success       INTEGER NOT NULL,
	error         TEXT    NOT NULL DEFAULT '',
	error_code    TEXT    NOT NULL DEFAULT '',
	batch_id      TEXT    NOT NULL DEFAULT '',
	sent_at       TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS sms_logs_sent_at ON sms_logs (sent_at);
CREATE INDEX IF NOT EXISTS sms_logs_recipient ON sms_logs (recipient);
`

// Open opens the sqlite database at path, ":memory:" included, and creates
// the delivery log schema.
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(sms.ConfigErr, "cannot open delivery log %s: %v", path, err)
	}

	// a single connection keeps in memory databases alive and serializes writes
	db.SetMaxOpenConns(1)

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to create delivery log schema")
	}

	return nil
}

func NewDeliveryRepository(db *sqlx.DB) sms.DeliveryRepository {
	return &deliveryRepository{
		db: db,
	}
}

type deliveryRepository struct {
	db *sqlx.DB
}

type deliveryRow struct {
	Id           int64           `db:"id"`
	Recipient    string          `db:"recipient"`
	Message      string          `db:"message"`
	TemplateName string          `db:"template_name"`
	Variables    string          `db:"variables"`
	MessageId    string          `db:"message_id"`
	Status       string          `db:"status"`
	Segments     sql.NullInt64   `db:"segments"`
	Cost         sql.NullFloat64 `db:"cost"`
	Currency     string          `db:"currency"`
	Success      bool            `db:"success"`
	Error        string          `db:"error"`
	ErrorCode    string          `db:"error_code"`
	BatchId      string          `db:"batch_id"`
	SentAt       string          `db:"sent_at"`
}

func toRow(record *sms.DeliveryRecord) (deliveryRow, error) {
	row := deliveryRow{
		Id:           record.Id,
		Recipient:    record.Recipient,
		Message:      record.Message,
		TemplateName: record.TemplateName,
		MessageId:    record.MessageId,
		Status:       record.Status,
		Currency:     record.Currency,
		Success:      record.Success,
		Error:        record.Error,
		ErrorCode:    record.ErrorCode,
		BatchId:      record.BatchId,
		SentAt:       formatTime(record.SentAt),
	}

	if len(record.Variables) > 0 {
		data, err := json.Marshal(record.Variables)
		if err != nil {
			return row, errors.Wrap(err, "failed to encode variables")
		}
		row.Variables = string(data)
	}

	if record.Segments != nil {
		row.Segments = sql.NullInt64{Int64: int64(*record.Segments), Valid: true}
	}

	if record.Cost != nil {
		row.Cost = sql.NullFloat64{Float64: *record.Cost, Valid: true}
	}

	return row, nil
}

func (row deliveryRow) toRecord() (sms.DeliveryRecord, error) {
	record := sms.DeliveryRecord{
		Id:           row.Id,
		Recipient:    row.Recipient,
		Message:      row.Message,
		TemplateName: row.TemplateName,
		MessageId:    row.MessageId,
		Status:       row.Status,
		Currency:     row.Currency,
		Success:      row.Success,
		Error:        row.Error,
		ErrorCode:    row.ErrorCode,
		BatchId:      row.BatchId,
	}

	if row.Variables != "" {
		if err := json.Unmarshal([]byte(row.Variables), &record.Variables); err != nil {
			return record, errors.Wrapf(err, "record %d has malformed variables", row.Id)
		}
	}

	if row.Segments.Valid {
		segments := int(row.Segments.Int64)
		record.Segments = &segments
	}

	if row.Cost.Valid {
		cost := row.Cost.Float64
		record.Cost = &cost
	}

	sentAt, err := time.Parse(timeLayout, row.SentAt)
	if err != nil {
		return record, errors.Wrapf(err, "record %d has malformed timestamp", row.Id)
	}
	record.SentAt = sentAt

	return record, nil
}

func toRecords(rows []deliveryRow) ([]sms.DeliveryRecord, error) {
	records := make([]sms.DeliveryRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toRecord()
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, nil
}

func (repo *deliveryRepository) Create(ctx context.Context, record *sms.DeliveryRecord) error {
	query := `
		INSERT INTO sms_logs (
			recipient, message, template_name, variables, message_id, status,
			segments, cost, currency, success, error, error_code, batch_id, sent_at
		) VALUES (
			:recipient, :message, :template_name, :variables, :message_id, :status,
			:segments, :cost, :currency, :success, :error, :error_code, :batch_id, :sent_at
		)`

	row, err := toRow(record)
	if err != nil {
		return err
	}

	result, err := repo.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return errors.Wrap(err, "failed to insert delivery record")
	}

	id, err := result.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "failed to read delivery record id")
	}

	record.Id = id

	return nil
}

func (repo *deliveryRepository) Get(ctx context.Context, id int64) (sms.DeliveryRecord, error) {
	row := deliveryRow{}

	err := repo.db.GetContext(ctx, &row, `SELECT * FROM sms_logs WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return sms.DeliveryRecord{}, errors.Wrapf(sms.RecordNotFoundErr, "record %d", id)
	}
	if err != nil {
		return sms.DeliveryRecord{}, errors.Wrapf(err, "failed to load record %d", id)
	}

	return row.toRecord()
}

func (repo *deliveryRepository) Matching(ctx context.Context, criteria sms.DeliveryCriteria) ([]sms.DeliveryRecord, error) {
	clauses := []string{}
	args := []interface{}{}

	if criteria.Recipient != "" {
		clauses = append(clauses, "recipient = ?")
		args = append(args, criteria.Recipient)
	}

	if criteria.Template != "" {
		clauses = append(clauses, "template_name = ?")
		args = append(args, criteria.Template)
	}

	if criteria.Success != nil {
		clauses = append(clauses, "success = ?")
		args = append(args, *criteria.Success)
	}

	if !criteria.From.IsZero() {
		clauses = append(clauses, "sent_at >= ?")
		args = append(args, formatTime(criteria.From))
	}

	if !criteria.To.IsZero() {
		clauses = append(clauses, "sent_at <= ?")
		args = append(args, formatTime(criteria.To))
	}

	query := "SELECT * FROM sms_logs"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	query += " ORDER BY sent_at DESC, id DESC"

	if criteria.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, criteria.Limit)
	}

	var rows []deliveryRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to query delivery records")
	}

	return toRecords(rows)
}

func (repo *deliveryRepository) Search(ctx context.Context, text string, limit int) ([]sms.DeliveryRecord, error) {
	query := `SELECT * FROM sms_logs WHERE message LIKE ? ESCAPE '\' ORDER BY sent_at DESC, id DESC`
	args := []interface{}{"%" + escapeLike(text) + "%"}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []deliveryRow
	if err := repo.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to search delivery records")
	}

	return toRecords(rows)
}

func (repo *deliveryRepository) Aggregate(ctx context.Context, from, to time.Time) (sms.DeliveryAggregate, error) {
	window := []interface{}{formatTime(from), formatTime(to)}

	totals := struct {
		Total      int     `db:"total"`
		Successful int     `db:"successful"`
		Segments   int     `db:"segments"`
		Cost       float64 `db:"cost"`
	}{}

	err := repo.db.GetContext(ctx, &totals, `
		SELECT
			COUNT(*) AS total,
			COALESCE(SUM(success), 0) AS successful,
			COALESCE(SUM(segments), 0) AS segments,
			COALESCE(SUM(cost), 0.0) AS cost
		FROM sms_logs
		WHERE sent_at >= ? AND sent_at <= ?`, window...)
	if err != nil {
		return sms.DeliveryAggregate{}, errors.Wrap(err, "failed to aggregate delivery records")
	}

	agg := sms.DeliveryAggregate{
		Total:        totals.Total,
		Successful:   totals.Successful,
		Segments:     totals.Segments,
		Cost:         totals.Cost,
		TopTemplates: []sms.TemplateCount{},
		Daily:        []sms.DailyCount{},
	}

	err = repo.db.SelectContext(ctx, &agg.TopTemplates, `
		SELECT template_name AS name, COUNT(*) AS count
		FROM sms_logs
		WHERE sent_at >= ? AND sent_at <= ? AND template_name <> ''
		GROUP BY template_name
		ORDER BY count DESC, name ASC
		LIMIT ?`, append(window, sms.TopTemplateLimit)...)
	if err != nil {
		return agg, errors.Wrap(err, "failed to count templates")
	}

	err = repo.db.SelectContext(ctx, &agg.Daily, `
		SELECT substr(sent_at, 1, 10) AS day, COUNT(*) AS count, COALESCE(SUM(cost), 0.0) AS cost
		FROM sms_logs
		WHERE sent_at >= ? AND sent_at <= ?
		GROUP BY day
		ORDER BY day`, window...)
	if err != nil {
		return agg, errors.Wrap(err, "failed to compute daily breakdown")
	}

	return agg, nil
}

func (repo *deliveryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := repo.db.ExecContext(ctx, `DELETE FROM sms_logs WHERE sent_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete delivery records")
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(deleted), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func escapeLike(text string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text)
}
