package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/balena-io-experimental/gustav/pkg/state"
)

// Document formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
	FormatCUE  = "cue"
)

// Problem is one located error in a document.
type Problem struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// String implements fmt.Stringer.
func (p Problem) String() string {
	if p.File == "" {
		return p.Message
	}
	if p.Line == 0 {
		return fmt.Sprintf("%s: %s", p.File, p.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", p.File, p.Line, p.Column, p.Message)
}

// DocumentError reports every problem CUE found in a document.
type DocumentError struct {
	Problems []Problem
}

// Error implements the error interface.
func (e *DocumentError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.String()
	}
	return "invalid document: " + strings.Join(msgs, "; ")
}

// Loader reads state and target documents. A Loader is not safe for
// concurrent use.
type Loader struct {
	ctx    *cue.Context
	schema *cue.Value
}

// NewLoader creates a loader without a schema.
func NewLoader() *Loader {
	return &Loader{ctx: cuecontext.New()}
}

// LoadDocument reads the document at path with a fresh loader.
func LoadDocument(path string) (interface{}, error) {
	return NewLoader().Load(path)
}

// SetSchema compiles src as the CUE schema every loaded document must
// satisfy.
func (l *Loader) SetSchema(src string) error {
	v := l.ctx.CompileString(src, cue.Filename("schema"))
	if err := v.Err(); err != nil {
		return problems(err)
	}
	l.schema = &v
	return nil
}

// LoadSchema reads the CUE schema at path.
func (l *Loader) LoadSchema(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	v := l.ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return problems(err)
	}
	l.schema = &v
	return nil
}

// Load reads the document at path. The format follows the extension: .json,
// .yaml or .yml, .cue.
func (l *Loader) Load(path string) (interface{}, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %s: %w", path, err)
	}
	return l.parse(data, format, path)
}

// Parse decodes data in the given format.
func (l *Loader) Parse(data []byte, format string) (interface{}, error) {
	return l.parse(data, format, "")
}

// FormatOf returns the document format of path.
func FormatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".cue":
		return FormatCUE, nil
	default:
		return "", fmt.Errorf("unsupported document format %q", filepath.Ext(path))
	}
}

func (l *Loader) parse(data []byte, format, file string) (interface{}, error) {
	var (
		doc interface{}
		err error
	)
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse JSON: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	case FormatCUE:
		return l.evaluate(l.ctx.CompileBytes(data, cue.Filename(file)))
	default:
		return nil, fmt.Errorf("unsupported document format %q", format)
	}

	doc, err = state.Normalize(doc)
	if err != nil {
		return nil, err
	}
	if l.schema == nil {
		return doc, nil
	}
	return l.evaluate(l.ctx.Encode(doc))
}

// evaluate unifies v with the schema, requires a concrete result and
// decodes it.
func (l *Loader) evaluate(v cue.Value) (interface{}, error) {
	if err := v.Err(); err != nil {
		return nil, problems(err)
	}
	if l.schema != nil {
		v = l.schema.Unify(v)
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, problems(err)
	}

	var doc interface{}
	if err := v.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return state.Normalize(doc)
}

func problems(err error) error {
	var out []Problem
	for _, e := range cueerrors.Errors(err) {
		p := Problem{Message: cueerrors.Details(e, nil)}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			p.File = pos[0].Filename()
			p.Line = pos[0].Line()
			p.Column = pos[0].Column()
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, Problem{Message: err.Error()})
	}
	return &DocumentError{Problems: out}
}
