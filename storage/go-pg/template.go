package gopg

import (
	"context"
	"time"

	"github.com/go-pg/pg"
	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
)

func NewTemplateRepository(db *pg.DB) sms.TemplateRepository {
	return &templateRepository{
		db: db,
	}
}

type templateRepository struct {
	db *pg.DB
}

type templateWrapper struct {
	TableName struct{} `sql:"sms_templates,alias:st" json:"-"`

	*sms.Template
}

func (repo *templateRepository) List(ctx context.Context) ([]sms.TemplateInfo, error) {
	var names []string

	err := repo.db.WithContext(ctx).Model((*templateWrapper)(nil)).
		Column("name").
		Order("name ASC").
		Select(&names)
	if err != nil && err != pg.ErrNoRows {
		return nil, err
	}

	templates := make([]sms.TemplateInfo, 0, len(names))
	for _, name := range names {
		templates = append(templates, sms.TemplateInfo{
			Name:     name,
			Location: "sms_templates/" + name,
		})
	}

	return templates, nil
}

func (repo *templateRepository) Get(ctx context.Context, name string) (sms.Template, error) {
	wrapped := &templateWrapper{
		Template: &sms.Template{},
	}

	if err := repo.db.WithContext(ctx).Model(wrapped).Where("name = ?", name).Select(); err != nil {
		if err == pg.ErrNoRows {
			return *wrapped.Template, errors.Wrapf(sms.TemplateNotFoundErr, "template %q", name)
		}

		return *wrapped.Template, err
	}

	wrapped.Location = "sms_templates/" + name

	return *wrapped.Template, nil
}

// Save inserts the template or replaces the content of an existing one,
// keeping its creation time.
func (repo *templateRepository) Save(ctx context.Context, template *sms.Template) error {
	now := time.Now().UTC()
	if template.CreatedAt.IsZero() {
		template.CreatedAt = now
	}
	template.UpdatedAt = now

	_, err := repo.db.WithContext(ctx).Model(&templateWrapper{Template: template}).
		OnConflict("(name) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("description = EXCLUDED.description").
		Set("updated_at = EXCLUDED.updated_at").
		Insert()
	if err != nil {
		return err
	}

	template.Location = "sms_templates/" + template.Name

	return nil
}

func (repo *templateRepository) Delete(ctx context.Context, name string) (bool, error) {
	res, err := repo.db.WithContext(ctx).Model((*templateWrapper)(nil)).
		Where("name = ?", name).
		Delete()
	if err != nil {
		return false, err
	}

	return res.RowsAffected() > 0, nil
}
