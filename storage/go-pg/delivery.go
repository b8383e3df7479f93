package gopg

import (
	"context"
	"strings"
	"time"

	"github.com/go-pg/pg"
	"github.com/go-pg/pg/orm"
	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
)

// Migrate creates the delivery log and template tables when missing.
func Migrate(ctx context.Context, db *pg.DB) error {
	conn := db.WithContext(ctx)

	for _, model := range []interface{}{(*deliveryWrapper)(nil), (*templateWrapper)(nil)} {
		if err := conn.CreateTable(model, &orm.CreateTableOptions{IfNotExists: true}); err != nil {
			return errors.Wrap(err, "failed to migrate sms tables")
		}
	}

	return nil
}

func NewDeliveryRepository(db *pg.DB) sms.DeliveryRepository {
	return &deliveryRepository{
		db: db,
	}
}

type deliveryWrapper struct {
	TableName struct{} `sql:"sms_logs,alias:sl" json:"-"`

	*sms.DeliveryRecord
}

type deliveryRepository struct {
	db *pg.DB
}

func unwrapDeliveries(wrapped []deliveryWrapper) []sms.DeliveryRecord {
	records := make([]sms.DeliveryRecord, 0, len(wrapped))
	for _, w := range wrapped {
		records = append(records, *w.DeliveryRecord)
	}

	return records
}

func (repo *deliveryRepository) Create(ctx context.Context, record *sms.DeliveryRecord) error {
	return repo.db.WithContext(ctx).Insert(&deliveryWrapper{DeliveryRecord: record})
}

func (repo *deliveryRepository) Get(ctx context.Context, id int64) (sms.DeliveryRecord, error) {
	wrapped := &deliveryWrapper{
		DeliveryRecord: &sms.DeliveryRecord{},
	}

	if err := repo.db.WithContext(ctx).Model(wrapped).Where("id = ?", id).Select(); err != nil {
		if err == pg.ErrNoRows {
			return *wrapped.DeliveryRecord, errors.Wrapf(sms.RecordNotFoundErr, "record %d", id)
		}

		return *wrapped.DeliveryRecord, err
	}

	return *wrapped.DeliveryRecord, nil
}

func (repo *deliveryRepository) Matching(ctx context.Context, criteria sms.DeliveryCriteria) ([]sms.DeliveryRecord, error) {
	var wrapped []deliveryWrapper

	builder := repo.db.WithContext(ctx).Model(&wrapped).
		Order("sent_at DESC", "id DESC")

	if criteria.Limit > 0 {
		builder.Limit(criteria.Limit)
	}

	if criteria.Recipient != "" {
		builder.Where("recipient = ?", criteria.Recipient)
	}

	if criteria.Template != "" {
		builder.Where("template_name = ?", criteria.Template)
	}

	if criteria.Success != nil {
		builder.Where("success = ?", *criteria.Success)
	}

	if !criteria.From.IsZero() {
		builder.Where("sent_at >= ?", criteria.From)
	}

	if !criteria.To.IsZero() {
		builder.Where("sent_at <= ?", criteria.To)
	}

	if err := builder.Select(); err != nil && err != pg.ErrNoRows {
		return nil, err
	}

	return unwrapDeliveries(wrapped), nil
}

func (repo *deliveryRepository) Search(ctx context.Context, text string, limit int) ([]sms.DeliveryRecord, error) {
	var wrapped []deliveryWrapper

	pattern := "%" + strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(text) + "%"

	builder := repo.db.WithContext(ctx).Model(&wrapped).
		Where("message LIKE ?", pattern).
		Order("sent_at DESC", "id DESC")

	if limit > 0 {
		builder.Limit(limit)
	}

	if err := builder.Select(); err != nil && err != pg.ErrNoRows {
		return nil, err
	}

	return unwrapDeliveries(wrapped), nil
}

func (repo *deliveryRepository) Aggregate(ctx context.Context, from, to time.Time) (sms.DeliveryAggregate, error) {
	agg := sms.DeliveryAggregate{
		TopTemplates: []sms.TemplateCount{},
		Daily:        []sms.DailyCount{},
	}

	db := repo.db.WithContext(ctx)

	window := func(q *orm.Query) (*orm.Query, error) {
		return q.Where("sent_at >= ?", from).Where("sent_at <= ?", to), nil
	}

	err := db.Model((*deliveryWrapper)(nil)).
		ColumnExpr("count(*)").
		ColumnExpr("count(*) FILTER (WHERE success)").
		ColumnExpr("coalesce(sum(segments), 0)").
		ColumnExpr("coalesce(sum(cost), 0)").
		WhereGroup(window).
		Select(&agg.Total, &agg.Successful, &agg.Segments, &agg.Cost)
	if err != nil {
		return agg, errors.Wrap(err, "failed to aggregate delivery records")
	}

	err = db.Model((*deliveryWrapper)(nil)).
		ColumnExpr("template_name AS name").
		ColumnExpr("count(*) AS count").
		WhereGroup(window).
		Where("template_name <> ''").
		Group("template_name").
		OrderExpr("count DESC, name ASC").
		Limit(sms.TopTemplateLimit).
		Select(&agg.TopTemplates)
	if err != nil && err != pg.ErrNoRows {
		return agg, errors.Wrap(err, "failed to count templates")
	}

	err = db.Model((*deliveryWrapper)(nil)).
		ColumnExpr("to_char(sent_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS date").
		ColumnExpr("count(*) AS count").
		ColumnExpr("coalesce(sum(cost), 0) AS cost").
		WhereGroup(window).
		Group("date").
		Order("date").
		Select(&agg.Daily)
	if err != nil && err != pg.ErrNoRows {
		return agg, errors.Wrap(err, "failed to compute daily breakdown")
	}

	return agg, nil
}

func (repo *deliveryRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := repo.db.WithContext(ctx).Model((*deliveryWrapper)(nil)).
		Where("sent_at < ?", cutoff).
		Delete()
	if err != nil {
		return 0, err
	}

	return res.RowsAffected(), nil
}
