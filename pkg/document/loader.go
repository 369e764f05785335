package document

import (
	"context"
	"fmt"
	"os"
	"regexp"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/reflow-iac/reflow/pkg/engine"
)

var resourceNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// documentFile is the on-disk shape of a resource document.
type documentFile struct {
	Version   int                     `yaml:"version" validate:"omitempty,eq=1"`
	Resources map[string]resourceDecl `yaml:"resources" validate:"required,min=1,dive,keys,resource_name,endkeys,required"`
}

type resourceDecl struct {
	Kind      string         `yaml:"kind" validate:"required"`
	Fields    map[string]any `yaml:"fields"`
	DependsOn []string       `yaml:"depends_on" validate:"dive,required"`
}

// FileSource loads the resource document from a YAML file. It implements
// engine.DocumentSource.
type FileSource struct {
	path     string
	validate *validator.Validate
}

// NewFileSource creates a source reading from path.
func NewFileSource(path string) *FileSource {
	v := validator.New()
	_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
		return resourceNameRe.MatchString(fl.Field().String())
	})
	return &FileSource{path: path, validate: v}
}

// Path returns the file the source reads from.
func (s *FileSource) Path() string { return s.path }

// Load reads, parses and validates the document.
func (s *FileSource) Load(_ context.Context) (*engine.Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading document %s: %w", s.path, err)
	}
	return Parse(data, s.validate)
}

// Parse decodes and validates YAML document bytes. A nil validate creates a
// fresh validator.
func Parse(data []byte, validate *validator.Validate) (*engine.Document, error) {
	if validate == nil {
		validate = NewFileSource("").validate
	}

	var file documentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, engine.NewFatalError("parsing document", err).WithCode(engine.ErrCodeValidation)
	}

	if err := validate.Struct(&file); err != nil {
		return nil, engine.NewFatalError(fmt.Sprintf("invalid document: %v", err), err).
			WithCode(engine.ErrCodeValidation)
	}

	doc := &engine.Document{Resources: make(map[string]engine.ResourceDecl, len(file.Resources))}
	for name, decl := range file.Resources {
		doc.Resources[name] = engine.ResourceDecl{
			Kind:      engine.Kind(decl.Kind),
			Fields:    decl.Fields,
			DependsOn: decl.DependsOn,
		}
	}
	return doc, nil
}
