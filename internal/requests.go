package internal

type UpdateTemplateRequest struct {
	Content string `json:"content"`
}

type PreviewTemplateRequest struct {
	Variables map[string]string `json:"variables"`
}
