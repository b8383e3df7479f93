package filesystem

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
)

const extension = ".txt"

var samples = map[string]string{
	"welcome":  "Hi {{name}}! 👋 Welcome to {{company}}. Your account is now active.",
	"reminder": "Hi {{name}}, this is a reminder about {{event}} on {{date}} at {{time}}.",
	"promo":    "🎉 Hey {{name}}! Special offer: {{discount}}% off. Use code: {{code}}. Valid until {{expiry}}.",
}

// NewTemplateRepository stores every template as <name>.txt in dir. The
// directory is created when missing.
func NewTemplateRepository(dir string) (sms.TemplateRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(sms.ConfigErr, "cannot create template directory %s: %v", dir, err)
	}

	return &templateRepository{
		dir: dir,
	}, nil
}

// Seed writes the sample templates that do not exist yet in dir and returns
// how many were written.
func Seed(dir string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}

	written := 0
	for name, content := range samples {
		path := filepath.Join(dir, name+extension)

		if _, err := os.Stat(path); err == nil {
			continue
		}

		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return written, errors.Wrapf(err, "failed to write sample template %s", name)
		}

		written++
	}

	return written, nil
}

type templateRepository struct {
	dir string
}

func (repo *templateRepository) List(ctx context.Context) ([]sms.TemplateInfo, error) {
	entries, err := os.ReadDir(repo.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list templates in %s", repo.dir)
	}

	templates := make([]sms.TemplateInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != extension {
			continue
		}

		templates = append(templates, sms.TemplateInfo{
			Name:     strings.TrimSuffix(entry.Name(), extension),
			Location: filepath.Join(repo.dir, entry.Name()),
		})
	}

	return templates, nil
}

func (repo *templateRepository) Get(ctx context.Context, name string) (sms.Template, error) {
	path, err := repo.path(name)
	if err != nil {
		return sms.Template{}, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return sms.Template{}, errors.Wrapf(sms.TemplateNotFoundErr, "template %q", name)
	}
	if err != nil {
		return sms.Template{}, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return sms.Template{}, errors.Wrapf(err, "failed to read template %q", name)
	}

	return sms.Template{
		Name:      name,
		Content:   string(content),
		Location:  path,
		CreatedAt: info.ModTime().UTC(),
		UpdatedAt: info.ModTime().UTC(),
	}, nil
}

func (repo *templateRepository) Save(ctx context.Context, template *sms.Template) error {
	path, err := repo.path(template.Name)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(template.Content), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write template %q", template.Name)
	}

	template.Location = path

	return nil
}

func (repo *templateRepository) Delete(ctx context.Context, name string) (bool, error) {
	path, err := repo.path(name)
	if err != nil {
		return false, err
	}

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to delete template %q", name)
	}

	return true, nil
}

// path rejects names that would escape the template directory.
func (repo *templateRepository) path(name string) (string, error) {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", errors.Wrapf(sms.ValidationErr, "invalid template name %q", name)
	}

	return filepath.Join(repo.dir, name+extension), nil
}
