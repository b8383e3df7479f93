package sms

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// TopTemplateLimit caps the number of templates reported by Stats.
const TopTemplateLimit = 5

// DeliveryRecord is one logged send attempt. Segments and Cost are nil when
// the provider did not report them.
type DeliveryRecord struct {
	Id           int64             `json:"id"`
	Recipient    string            `sql:",notnull" json:"recipient"`
	Message      string            `sql:",notnull" json:"message"`
	TemplateName string            `json:"template,omitempty"`
	Variables    map[string]string `json:"variables,omitempty"`
	MessageId    string            `json:"messageId,omitempty"`
	Status       string            `json:"status,omitempty"`
	Segments     *int              `json:"segments"`
	Cost         *float64          `json:"cost"`
	Currency     string            `json:"currency,omitempty"`
	Success      bool              `sql:",notnull" json:"success"`
	Error        string            `json:"error,omitempty"`
	ErrorCode    string            `json:"errorCode,omitempty"`
	BatchId      string            `json:"batchId,omitempty"`
	SentAt       time.Time         `sql:",notnull" json:"sentAt"`
}

// DeliveryCriteria filters delivery history. Zero values do not filter;
// a Limit of zero or less returns every match.
type DeliveryCriteria struct {
	Limit     int
	Recipient string
	Template  string
	Success   *bool
	From      time.Time
	To        time.Time
}

type TemplateCount struct {
	Name  string `json:"name" db:"name"`
	Count int    `json:"count" db:"count"`
}

type DailyCount struct {
	Date  string  `json:"date" db:"day"`
	Count int     `json:"count" db:"count"`
	Cost  float64 `json:"cost" db:"cost"`
}

// DeliveryAggregate holds the raw sums a repository computes for a window.
// TopTemplates is ordered by count descending then name, Daily by date.
type DeliveryAggregate struct {
	Total        int
	Successful   int
	Segments     int
	Cost         float64
	TopTemplates []TemplateCount
	Daily        []DailyCount
}

type Stats struct {
	PeriodDays    int             `json:"periodDays"`
	Total         int             `json:"total"`
	Successful    int             `json:"successful"`
	Failed        int             `json:"failed"`
	SuccessRate   float64         `json:"successRate"`
	TotalSegments int             `json:"totalSegments"`
	TotalCost     float64         `json:"totalCost"`
	TopTemplates  []TemplateCount `json:"topTemplates"`
	Daily         []DailyCount    `json:"dailyBreakdown"`
}

type RecipientHistory struct {
	Recipient  string           `json:"recipient"`
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	Failed     int              `json:"failed"`
	TotalCost  float64          `json:"totalCost"`
	First      *time.Time       `json:"firstMessage"`
	Last       *time.Time       `json:"lastMessage"`
	Recent     []DeliveryRecord `json:"messages"`
}

// Attempt is everything the log needs to record one send.
type Attempt struct {
	Outcome   Outcome
	Body      string
	Template  string
	Variables map[string]string
	BatchId   string
}

type DeliveryLogOption func(l *DeliveryLog)

func SetDeliveryLogger(logger logrus.FieldLogger) DeliveryLogOption {
	return func(l *DeliveryLog) {
		l.logger = logger
	}
}

func SetClock(now func() time.Time) DeliveryLogOption {
	return func(l *DeliveryLog) {
		l.now = now
	}
}

// DeliveryLog is the append only log of send attempts. Timestamps are
// assigned on write and never decrease in insertion order.
type DeliveryLog struct {
	repo   DeliveryRepository
	logger logrus.FieldLogger
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

func NewDeliveryLog(repo DeliveryRepository, options ...DeliveryLogOption) *DeliveryLog {
	l := &DeliveryLog{
		repo:   repo,
		logger: logrus.New(),
		now:    time.Now,
	}

	for _, option := range options {
		option(l)
	}

	return l
}

func (l *DeliveryLog) Record(ctx context.Context, attempt Attempt) (DeliveryRecord, error) {
	outcome := attempt.Outcome

	record := DeliveryRecord{
		Recipient:    outcome.To,
		Message:      attempt.Body,
		TemplateName: attempt.Template,
		Variables:    attempt.Variables,
		MessageId:    outcome.MessageId,
		Status:       outcome.Status,
		Segments:     outcome.Segments,
		Cost:         outcome.Cost,
		Currency:     outcome.Currency,
		Success:      outcome.Success,
		Error:        outcome.Error,
		ErrorCode:    outcome.ErrorCode,
		BatchId:      attempt.BatchId,
	}

	if !record.Success && record.Error == "" {
		record.Error = outcome.Status
		if record.Error == "" {
			record.Error = TransportErr.Error()
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	record.SentAt = l.stamp()

	if err := l.repo.Create(ctx, &record); err != nil {
		l.logger.
			WithField("recipient", record.Recipient).
			WithError(err).
			Error("failed to record delivery")

		return record, &StorageError{Op: "record", Err: err}
	}

	return record, nil
}

func (l *DeliveryLog) Get(ctx context.Context, id int64) (DeliveryRecord, error) {
	record, err := l.repo.Get(ctx, id)
	if err != nil && !errors.Is(err, RecordNotFoundErr) {
		return record, &StorageError{Op: "get", Err: err}
	}

	return record, err
}

// Query returns matching records, newest first.
func (l *DeliveryLog) Query(ctx context.Context, criteria DeliveryCriteria) ([]DeliveryRecord, error) {
	records, err := l.repo.Matching(ctx, criteria)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}

	return records, nil
}

// Search returns records whose message contains text, newest first.
func (l *DeliveryLog) Search(ctx context.Context, text string, limit int) ([]DeliveryRecord, error) {
	records, err := l.repo.Search(ctx, text, limit)
	if err != nil {
		return nil, &StorageError{Op: "search", Err: err}
	}

	return records, nil
}

// Stats aggregates the records of the last days days.
func (l *DeliveryLog) Stats(ctx context.Context, days int) (Stats, error) {
	if days < 0 {
		days = 0
	}

	to := l.current()
	from := to.AddDate(0, 0, -days)

	agg, err := l.repo.Aggregate(ctx, from, to)
	if err != nil {
		return Stats{}, &StorageError{Op: "stats", Err: err}
	}

	stats := Stats{
		PeriodDays:    days,
		Total:         agg.Total,
		Successful:    agg.Successful,
		Failed:        agg.Total - agg.Successful,
		TotalSegments: agg.Segments,
		TotalCost:     agg.Cost,
		TopTemplates:  agg.TopTemplates,
		Daily:         agg.Daily,
	}

	if stats.TopTemplates == nil {
		stats.TopTemplates = []TemplateCount{}
	}

	if stats.Daily == nil {
		stats.Daily = []DailyCount{}
	}

	if agg.Total > 0 {
		stats.SuccessRate = float64(agg.Successful) / float64(agg.Total) * 100
	}

	return stats, nil
}

// Prune deletes records older than olderThanDays days. Zero deletes
// everything recorded so far.
func (l *DeliveryLog) Prune(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		olderThanDays = 0
	}

	cutoff := l.current().AddDate(0, 0, -olderThanDays)
	if olderThanDays == 0 {
		// postgres keeps microseconds and may round a fresh stamp up
		cutoff = cutoff.Add(time.Microsecond)
	}

	deleted, err := l.repo.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, &StorageError{Op: "prune", Err: err}
	}

	l.logger.
		WithField("cutoff", cutoff).
		WithField("deleted", deleted).
		Info("pruned delivery log")

	return deleted, nil
}

// RecipientHistory summarises every delivery to recipient and returns the
// ten most recent records.
func (l *DeliveryLog) RecipientHistory(ctx context.Context, recipient string) (RecipientHistory, error) {
	records, err := l.Query(ctx, DeliveryCriteria{Recipient: recipient})
	if err != nil {
		return RecipientHistory{}, err
	}

	history := RecipientHistory{
		Recipient: recipient,
		Total:     len(records),
		Recent:    []DeliveryRecord{},
	}

	for i, record := range records {
		if record.Success {
			history.Successful++
		}

		if record.Cost != nil {
			history.TotalCost += *record.Cost
		}

		if i < 10 {
			history.Recent = append(history.Recent, record)
		}
	}

	history.Failed = history.Total - history.Successful

	if len(records) > 0 {
		last := records[0].SentAt
		first := records[len(records)-1].SentAt
		history.Last = &last
		history.First = &first
	}

	return history, nil
}

// stamp must be called with mu held.
func (l *DeliveryLog) stamp() time.Time {
	now := l.now().UTC()
	if now.Before(l.last) {
		now = l.last
	}

	l.last = now

	return now
}

func (l *DeliveryLog) current() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	if now.Before(l.last) {
		return l.last
	}

	return now
}
