package sms

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	GsmSegmentSize     = 160
	UnicodeSegmentSize = 70
)

type Template struct {
	Name        string `sql:",pk" json:"name"`
	Content     string `sql:",notnull" json:"content"`
	Description string `json:"description,omitempty"`

	// Location is where the repository keeps the template, e.g. a file path.
	Location string `sql:"-" json:"location,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validation is the outcome of checking supplied variables against the
// variables a template references. Extra variables are not an error.
type Validation struct {
	Template string   `json:"template"`
	Valid    bool     `json:"valid"`
	Missing  []string `json:"missing"`
	Extra    []string `json:"extra"`
	Required []string `json:"required"`
}

// Err returns a *MissingVariablesError when the validation failed.
func (v Validation) Err() error {
	if v.Valid {
		return nil
	}

	return &MissingVariablesError{Template: v.Template, Missing: v.Missing}
}

type RenderResult struct {
	Raw        string   `json:"raw"`
	Body       string   `json:"body"`
	Length     int      `json:"length"`
	Segments   int      `json:"segments"`
	HasUnicode bool     `json:"hasUnicode"`
	Variables  []string `json:"variables"`
	Supplied   []string `json:"supplied"`
}

var placeholderPattern = regexp.MustCompile(`\{\{(\s*[\p{L}\p{N}_]+\s*)\}\}`)

// ExtractVariables returns the sorted, deduplicated names of all bare
// {{ name }} placeholders in text.
func ExtractVariables(text string) []string {
	seen := map[string]struct{}{}
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		seen[strings.TrimSpace(match[1])] = struct{}{}
	}

	return sortedKeys(seen)
}

// CountSegments reports how many SMS segments body occupies and whether it
// needs the unicode encoding. An empty body is zero segments.
func CountSegments(body string) (int, bool) {
	length := utf8.RuneCountInString(body)
	hasUnicode := false
	for _, r := range body {
		if r > 127 {
			hasUnicode = true
			break
		}
	}

	size := GsmSegmentSize
	if hasUnicode {
		size = UnicodeSegmentSize
	}

	segments := length / size
	if length%size > 0 {
		segments++
	}

	return segments, hasUnicode
}

// ValidateContent compares the variables referenced by content with the
// supplied ones.
func ValidateContent(name, content string, variables map[string]string) Validation {
	required := ExtractVariables(content)

	requiredSet := make(map[string]struct{}, len(required))
	missing := []string{}
	for _, v := range required {
		requiredSet[v] = struct{}{}
		if _, ok := variables[v]; !ok {
			missing = append(missing, v)
		}
	}

	extra := []string{}
	for k := range variables {
		if _, ok := requiredSet[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)

	return Validation{
		Template: name,
		Valid:    len(missing) == 0,
		Missing:  missing,
		Extra:    extra,
		Required: required,
	}
}

// RenderString renders text with the given variables. Unset variables render
// as empty text; malformed placeholder syntax fails with RenderErr.
func RenderString(name, text string, variables map[string]string) (string, error) {
	source := placeholderPattern.ReplaceAllStringFunc(text, func(placeholder string) string {
		ident := strings.TrimSpace(placeholderPattern.FindStringSubmatch(placeholder)[1])
		return "{{index . " + strconv.Quote(ident) + "}}"
	})

	tpl, err := template.New(name).Option("missingkey=zero").Parse(source)
	if err != nil {
		return "", errors.Wrapf(RenderErr, "template %q: %v", name, err)
	}

	if variables == nil {
		variables = map[string]string{}
	}

	out := &bytes.Buffer{}
	if err := tpl.Execute(out, variables); err != nil {
		return "", errors.Wrapf(RenderErr, "template %q: %v", name, err)
	}

	return out.String(), nil
}

// Templates is the template engine: it resolves templates through a
// repository and renders, validates and previews them.
type Templates struct {
	repo   TemplateRepository
	logger logrus.FieldLogger
}

func NewTemplates(repo TemplateRepository, logger logrus.FieldLogger) *Templates {
	if logger == nil {
		logger = logrus.New()
	}

	return &Templates{
		repo:   repo,
		logger: logger,
	}
}

func (t *Templates) List(ctx context.Context) ([]TemplateInfo, error) {
	templates, err := t.repo.List(ctx)
	if err != nil {
		return nil, err
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})

	return templates, nil
}

func (t *Templates) Content(ctx context.Context, name string) (string, error) {
	tpl, err := t.repo.Get(ctx, name)
	if err != nil {
		return "", err
	}

	return tpl.Content, nil
}

func (t *Templates) Render(ctx context.Context, name string, variables map[string]string) (string, error) {
	content, err := t.Content(ctx, name)
	if err != nil {
		return "", err
	}

	return RenderString(name, content, variables)
}

func (t *Templates) Validate(ctx context.Context, name string, variables map[string]string) (Validation, error) {
	content, err := t.Content(ctx, name)
	if err != nil {
		return Validation{}, err
	}

	return ValidateContent(name, content, variables), nil
}

func (t *Templates) Preview(ctx context.Context, name string, variables map[string]string) (RenderResult, error) {
	content, err := t.Content(ctx, name)
	if err != nil {
		return RenderResult{}, err
	}

	return Preview(name, content, variables)
}

// Preview renders content and computes its segment metadata.
func Preview(name, content string, variables map[string]string) (RenderResult, error) {
	body, err := RenderString(name, content, variables)
	if err != nil {
		return RenderResult{}, err
	}

	segments, hasUnicode := CountSegments(body)

	supplied := make(map[string]struct{}, len(variables))
	for k := range variables {
		supplied[k] = struct{}{}
	}

	return RenderResult{
		Raw:        content,
		Body:       body,
		Length:     utf8.RuneCountInString(body),
		Segments:   segments,
		HasUnicode: hasUnicode,
		Variables:  ExtractVariables(content),
		Supplied:   sortedKeys(supplied),
	}, nil
}

// Create writes the template, replacing any existing one with that name.
func (t *Templates) Create(ctx context.Context, name, content string) error {
	if strings.TrimSpace(name) == "" {
		return errors.Wrap(ValidationErr, "template name is required")
	}

	if content == "" {
		return errors.Wrap(ValidationErr, "template content is required")
	}

	now := time.Now().UTC()

	return t.repo.Save(ctx, &Template{
		Name:      name,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Delete removes the named template and reports whether it existed.
func (t *Templates) Delete(ctx context.Context, name string) bool {
	deleted, err := t.repo.Delete(ctx, name)
	if err != nil {
		t.logger.
			WithField("template", name).
			WithError(err).
			Error("failed to delete template")

		return false
	}

	return deleted
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
