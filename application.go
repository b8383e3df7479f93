package sms

import (
	"context"
	"net/http"
	"sort"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// BulkPreviewRows is how many rows a bulk preview renders.
const BulkPreviewRows = 5

// Result classifies how an operation ended, for exit code reporting.
type Result int

const (
	ResultSuccess Result = iota
	ResultPartial
	ResultFailure
)

func (r Result) ExitCode() int {
	switch r {
	case ResultSuccess:
		return 0
	case ResultPartial:
		return 2
	default:
		return 1
	}
}

type FailureStage string

const (
	StageValidation FailureStage = "validation"
	StageTransport  FailureStage = "transport"
)

type SendRequest struct {
	To string

	// Template names a stored template. When empty Body is sent instead,
	// rendered only if Variables are supplied.
	Template  string
	Body      string
	Variables map[string]string

	From    string
	Preview bool
}

type SendResult struct {
	Preview RenderResult
	Outcome *Outcome
	Record  *DeliveryRecord
}

type BulkRequest struct {
	Template  string
	Input     BulkInput
	RateLimit float64
	From      string
	Preview   bool
}

type BulkFailure struct {
	Row   int          `json:"row"`
	Phone string       `json:"phone"`
	Stage FailureStage `json:"stage"`
	Error string       `json:"error"`
}

type BulkPreview struct {
	Row   int    `json:"row"`
	Phone string `json:"phone"`
	Body  string `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

type BulkReport struct {
	BatchId    string        `json:"batchId,omitempty"`
	Template   string        `json:"template"`
	Total      int           `json:"total"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Rejected   int           `json:"rejected"`
	Failures   []BulkFailure `json:"failures"`
	Outcomes   []Outcome     `json:"outcomes,omitempty"`
	Estimate   CostEstimate  `json:"estimate"`
	Previews   []BulkPreview `json:"previews,omitempty"`
}

// Result is ResultPartial when any row was rejected or failed to send.
func (r BulkReport) Result() Result {
	if r.Failed+r.Rejected > 0 {
		return ResultPartial
	}

	return ResultSuccess
}

type Application interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
	SendBulk(ctx context.Context, req BulkRequest) (BulkReport, error)

	Templates() *Templates
	Deliveries() *DeliveryLog
	Gateway() *Gateway

	HttpHandler() http.Handler
}

type AppOption func(a *application)

func SetTemplateRepo(repo TemplateRepository) AppOption {
	return func(a *application) {
		a.templateRepo = repo
	}
}

func SetDeliveryRepo(repo DeliveryRepository) AppOption {
	return func(a *application) {
		a.deliveryRepo = repo
	}
}

// SetGateway configures sending. Without a gateway only previews, template
// management and history are available.
func SetGateway(gateway *Gateway) AppOption {
	return func(a *application) {
		a.gateway = gateway
	}
}

func SetLogger(logger logrus.FieldLogger) AppOption {
	return func(a *application) {
		a.logger = logger
	}
}

// SetRecordDeliveries turns the delivery log off for sends. History queries
// keep working against what was recorded before.
func SetRecordDeliveries(enabled bool) AppOption {
	return func(a *application) {
		a.recordDeliveries = enabled
	}
}

// SetMetricsGatherer exposes gatherer on the http handler's /metrics route.
func SetMetricsGatherer(gatherer prometheus.Gatherer) AppOption {
	return func(a *application) {
		a.gatherer = gatherer
	}
}

type application struct {
	logger logrus.FieldLogger

	templateRepo TemplateRepository
	deliveryRepo DeliveryRepository
	gatherer     prometheus.Gatherer

	templates  *Templates
	deliveries *DeliveryLog
	gateway    *Gateway

	recordDeliveries bool
}

func NewApplication(options ...AppOption) (Application, error) {
	app := &application{
		logger:           logrus.New(),
		recordDeliveries: true,
	}

	for _, option := range options {
		option(app)
	}

	if err := app.ensureUsableConfiguration(); err != nil {
		return nil, err
	}

	app.templates = NewTemplates(app.templateRepo, app.logger)
	app.deliveries = NewDeliveryLog(app.deliveryRepo, SetDeliveryLogger(app.logger))

	return app, nil
}

func (a *application) Templates() *Templates {
	return a.templates
}

func (a *application) Deliveries() *DeliveryLog {
	return a.deliveries
}

func (a *application) Gateway() *Gateway {
	return a.gateway
}

func (a *application) HttpHandler() http.Handler {
	return newHttpHandler(a)
}

func (a *application) ensureUsableConfiguration() error {
	if a.templateRepo == nil {
		return errors.Wrap(ConfigErr, "missing template repository")
	}

	if a.deliveryRepo == nil {
		return errors.Wrap(ConfigErr, "missing delivery repository")
	}

	return nil
}

func (a *application) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	result := SendResult{}

	if req.To == "" {
		return result, errors.Wrap(ValidationErr, "recipient is required")
	}

	preview, err := a.renderRequest(ctx, req)
	if err != nil {
		return result, err
	}

	result.Preview = preview

	if req.Preview {
		return result, nil
	}

	if a.gateway == nil {
		return result, errors.Wrap(ConfigErr, "no sms transport configured")
	}

	outcome := a.gateway.Send(ctx, req.To, preview.Body, req.From)
	result.Outcome = &outcome

	if !a.recordDeliveries {
		return result, nil
	}

	record, err := a.deliveries.Record(context.WithoutCancel(ctx), Attempt{
		Outcome:   outcome,
		Body:      preview.Body,
		Template:  req.Template,
		Variables: req.Variables,
	})
	if err != nil {
		return result, err
	}

	result.Record = &record

	return result, nil
}

func (a *application) renderRequest(ctx context.Context, req SendRequest) (RenderResult, error) {
	switch {
	case req.Template != "":
		content, err := a.templates.Content(ctx, req.Template)
		if err != nil {
			return RenderResult{}, err
		}

		if err := ValidateContent(req.Template, content, req.Variables).Err(); err != nil {
			return RenderResult{}, err
		}

		return Preview(req.Template, content, req.Variables)

	case req.Body != "" && len(req.Variables) > 0:
		if err := ValidateContent("message", req.Body, req.Variables).Err(); err != nil {
			return RenderResult{}, err
		}

		return Preview("message", req.Body, req.Variables)

	case req.Body != "":
		segments, hasUnicode := CountSegments(req.Body)

		return RenderResult{
			Raw:        req.Body,
			Body:       req.Body,
			Length:     utf8.RuneCountInString(req.Body),
			Segments:   segments,
			HasUnicode: hasUnicode,
			Variables:  []string{},
			Supplied:   []string{},
		}, nil

	default:
		return RenderResult{}, errors.Wrap(ValidationErr, "a template or a message body is required")
	}
}

// SendBulk sends a personalized message to every row of req.Input. Rows
// that fail validation are rejected without a send; every send, successful
// or not, is recorded before the next one starts. A storage failure stops
// the batch.
func (a *application) SendBulk(ctx context.Context, req BulkRequest) (BulkReport, error) {
	report := BulkReport{
		Template: req.Template,
		Total:    len(req.Input.Rows),
		Failures: []BulkFailure{},
	}

	content, err := a.templates.Content(ctx, req.Template)
	if err != nil {
		return report, err
	}

	columns := make(map[string]string, len(req.Input.Columns))
	for _, c := range req.Input.Columns {
		columns[c] = ""
	}

	if err := ValidateContent(req.Template, content, columns).Err(); err != nil {
		return report, err
	}

	render := func(row Recipient) (string, error) {
		return RenderString(req.Template, content, row.Variables)
	}

	provider := ""
	if a.gateway != nil {
		provider = a.gateway.Provider()
	}

	if len(req.Input.Rows) > 0 {
		if body, err := render(req.Input.Rows[0]); err == nil {
			segments, _ := CountSegments(body)
			report.Estimate = EstimateCost(segments, len(req.Input.Rows), provider)
		}
	}

	if req.Preview {
		for i, row := range req.Input.Rows {
			if i >= BulkPreviewRows {
				break
			}

			preview := BulkPreview{Row: row.Row, Phone: row.Phone}
			if body, err := render(row); err != nil {
				preview.Error = err.Error()
			} else {
				preview.Body = body
			}

			report.Previews = append(report.Previews, preview)
		}

		return report, nil
	}

	if a.gateway == nil {
		return report, errors.Wrap(ConfigErr, "no sms transport configured")
	}

	sendable := make([]Recipient, 0, len(req.Input.Rows))
	for _, row := range req.Input.Rows {
		if row.Phone == "" {
			report.reject(row, "missing phone number")
			continue
		}

		if err := ValidateContent(req.Template, content, row.Variables).Err(); err != nil {
			report.reject(row, err.Error())
			continue
		}

		sendable = append(sendable, row)
	}

	report.BatchId = uuid.NewString()

	logger := a.logger.
		WithField("batch", report.BatchId).
		WithField("template", req.Template)

	logger.
		WithField("recipients", len(sendable)).
		WithField("rejected", report.Rejected).
		Info("starting bulk send")

	recordCtx := context.WithoutCancel(ctx)
	outcomes, err := a.gateway.SendBulkPersonalized(ctx, sendable, render, req.RateLimit,
		BulkFrom(req.From),
		BulkOutcomeHandler(func(_ int, row Recipient, body string, outcome Outcome) error {
			if outcome.Success {
				report.Successful++
			} else {
				report.Failed++
				report.Failures = append(report.Failures, BulkFailure{
					Row:   row.Row,
					Phone: row.Phone,
					Stage: StageTransport,
					Error: outcome.Error,
				})
			}

			if !a.recordDeliveries {
				return nil
			}

			_, err := a.deliveries.Record(recordCtx, Attempt{
				Outcome:   outcome,
				Body:      body,
				Template:  req.Template,
				Variables: row.Variables,
				BatchId:   report.BatchId,
			})

			return err
		}),
	)

	report.Outcomes = outcomes

	sort.SliceStable(report.Failures, func(i, j int) bool {
		return report.Failures[i].Row < report.Failures[j].Row
	})

	if err != nil {
		logger.WithError(err).Error("bulk send aborted")
		return report, err
	}

	logger.
		WithField("successful", report.Successful).
		WithField("failed", report.Failed).
		WithField("rejected", report.Rejected).
		Info("bulk send complete")

	return report, nil
}

func (r *BulkReport) reject(row Recipient, reason string) {
	r.Rejected++
	r.Failures = append(r.Failures, BulkFailure{
		Row:   row.Row,
		Phone: row.Phone,
		Stage: StageValidation,
		Error: reason,
	})
}
