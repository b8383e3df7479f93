package sms

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/interactive-solutions/go-sms/internal"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type httpHandler struct {
	app    *application
	router *mux.Router
}

func newHttpHandler(app *application) *httpHandler {
	h := &httpHandler{
		app:    app,
		router: mux.NewRouter(),
	}

	h.router.HandleFunc("/templates", h.GetAllTemplates).Methods(http.MethodGet)
	h.router.HandleFunc("/templates/{name}", h.GetTemplate).Methods(http.MethodGet)
	h.router.HandleFunc("/templates/{name}", h.UpdateTemplate).Methods(http.MethodPut)
	h.router.HandleFunc("/templates/{name}", h.DeleteTemplate).Methods(http.MethodDelete)
	h.router.HandleFunc("/templates/{name}/preview", h.PreviewTemplate).Methods(http.MethodPost)

	h.router.HandleFunc("/deliveries", h.GetDeliveries).Methods(http.MethodGet)
	h.router.HandleFunc("/deliveries/{id:[0-9]+}", h.GetDelivery).Methods(http.MethodGet)
	h.router.HandleFunc("/recipients/{phone}", h.GetRecipientHistory).Methods(http.MethodGet)
	h.router.HandleFunc("/stats", h.GetStats).Methods(http.MethodGet)
	h.router.HandleFunc("/export", h.Export).Methods(http.MethodGet)

	h.router.HandleFunc("/phones/{number}", h.ValidatePhone).Methods(http.MethodGet)

	if app.gatherer != nil {
		h.router.Handle("/metrics", promhttp.HandlerFor(app.gatherer, promhttp.HandlerOpts{}))
	}

	return h
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *httpHandler) GetAllTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.app.templates.List(r.Context())
	if err != nil {
		h.fail(w, err, "Failed to retrieve templates")
		return
	}

	writeJson(w, http.StatusOK, struct {
		Data []TemplateInfo `json:"data"`
	}{templates})
}

func (h *httpHandler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	content, err := h.app.templates.Content(r.Context(), name)
	if err != nil {
		h.fail(w, err, "Failed to retrieve template")
		return
	}

	writeJson(w, http.StatusOK, struct {
		Name      string   `json:"name"`
		Content   string   `json:"content"`
		Variables []string `json:"variables"`
	}{name, content, ExtractVariables(content)})
}

func (h *httpHandler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	body := &internal.UpdateTemplateRequest{}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		http.Error(w, "Failed to parse incoming json", http.StatusBadRequest)
		return
	}

	if err := h.app.templates.Create(r.Context(), name, body.Content); err != nil {
		h.fail(w, err, "Failed to update template")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	if !h.app.templates.Delete(r.Context(), mux.Vars(r)["name"]) {
		http.Error(w, "Template not found", http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandler) PreviewTemplate(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	body := &internal.PreviewTemplateRequest{}
	if err := json.NewDecoder(r.Body).Decode(body); err != nil {
		http.Error(w, "Failed to parse incoming json", http.StatusBadRequest)
		return
	}

	content, err := h.app.templates.Content(r.Context(), name)
	if err != nil {
		h.fail(w, err, "Failed to retrieve template")
		return
	}

	preview, err := Preview(name, content, body.Variables)
	if err != nil {
		h.fail(w, err, "Failed to render template")
		return
	}

	writeJson(w, http.StatusOK, struct {
		Preview    RenderResult `json:"preview"`
		Validation Validation   `json:"validation"`
	}{preview, ValidateContent(name, content, body.Variables)})
}

func (h *httpHandler) GetDeliveries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	criteria := DeliveryCriteria{
		Limit:     20,
		Recipient: query.Get("recipient"),
		Template:  query.Get("template"),
	}

	if v := query.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		criteria.Limit = limit
	}

	if v := query.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			http.Error(w, "Invalid success filter", http.StatusBadRequest)
			return
		}
		criteria.Success = &success
	}

	for key, target := range map[string]*time.Time{"from": &criteria.From, "to": &criteria.To} {
		if v := query.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				http.Error(w, "Invalid "+key+" timestamp, RFC3339 expected", http.StatusBadRequest)
				return
			}
			*target = t
		}
	}

	records, err := h.app.deliveries.Query(r.Context(), criteria)
	if err != nil {
		h.fail(w, err, "Failed to retrieve deliveries")
		return
	}

	writeJson(w, http.StatusOK, struct {
		Data []DeliveryRecord `json:"data"`
	}{records})
}

func (h *httpHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid id", http.StatusBadRequest)
		return
	}

	record, err := h.app.deliveries.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err, "Failed to retrieve delivery")
		return
	}

	writeJson(w, http.StatusOK, record)
}

func (h *httpHandler) GetRecipientHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.app.deliveries.RecipientHistory(r.Context(), mux.Vars(r)["phone"])
	if err != nil {
		h.fail(w, err, "Failed to retrieve recipient history")
		return
	}

	writeJson(w, http.StatusOK, history)
}

func (h *httpHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		var err error
		if days, err = strconv.Atoi(v); err != nil {
			http.Error(w, "Invalid days", http.StatusBadRequest)
			return
		}
	}

	stats, err := h.app.deliveries.Stats(r.Context(), days)
	if err != nil {
		h.fail(w, err, "Failed to compute stats")
		return
	}

	writeJson(w, http.StatusOK, stats)
}

func (h *httpHandler) Export(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = ExportCSV
	}

	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		if limit, err = strconv.Atoi(v); err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
	}

	data, err := h.app.deliveries.Export(r.Context(), format, limit)
	if err != nil {
		h.fail(w, err, "Failed to export deliveries")
		return
	}

	if format == ExportCSV {
		w.Header().Set("Content-Type", "text/csv")
	} else {
		w.Header().Set("Content-Type", "application/json")
	}

	w.Write(data)
}

func (h *httpHandler) ValidatePhone(w http.ResponseWriter, r *http.Request) {
	writeJson(w, http.StatusOK, ValidatePhone(mux.Vars(r)["number"]))
}

func (h *httpHandler) fail(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, TemplateNotFoundErr), errors.Is(err, RecordNotFoundErr):
		http.Error(w, err.Error(), http.StatusNotFound)

	case errors.Is(err, ValidationErr), errors.Is(err, RenderErr):
		http.Error(w, err.Error(), http.StatusBadRequest)

	default:
		h.app.logger.WithError(err).Error(message)
		http.Error(w, message, http.StatusInternalServerError)
	}
}

func writeJson(w http.ResponseWriter, status int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Failed to convert to json", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
