package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agentworkforce/doclist/internal/doclist"
	"gopkg.in/yaml.v3"
)

// ViewFile is the on-disk view definition. Fields left empty fall back to
// the view section of the main config.
//
//	workspace: ws_1
//	sort: -createdAt,name
//	per_page: 50
//	join: and
//	query: invoice
//	predicates:
//	  - id: status
//	    operator: in
//	    value: [ready, processing]
type ViewFile struct {
	Workspace  string           `yaml:"workspace" json:"workspace"`
	PerPage    int              `yaml:"per_page" json:"per_page"`
	Sort       string           `yaml:"sort" json:"sort"`
	Join       string           `yaml:"join" json:"join"`
	Query      string           `yaml:"query" json:"query"`
	Predicates []map[string]any `yaml:"predicates" json:"predicates"`
}

// BuildView resolves the configured view, reading FilterFile when set.
func (v ViewConfig) BuildView() (doclist.View, error) {
	file := ViewFile{}
	if path := strings.TrimSpace(v.FilterFile); path != "" {
		loaded, err := ReadViewFile(path)
		if err != nil {
			return doclist.View{}, err
		}
		file = loaded
	}
	return file.merge(v)
}

// ReadViewFile parses a YAML or JSON view definition. JSON is chosen by the
// .json extension; everything else is read as YAML.
func ReadViewFile(path string) (ViewFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ViewFile{}, fmt.Errorf("reading view file: %w", err)
	}
	var file ViewFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return ViewFile{}, fmt.Errorf("%w: view file %s: %v", doclist.ErrInvalidInput, path, err)
	}
	return file, nil
}

func (f ViewFile) merge(base ViewConfig) (doclist.View, error) {
	view := doclist.View{
		Workspace: firstNonEmpty(f.Workspace, base.Workspace),
		PerPage:   base.PerPage,
	}
	if f.PerPage > 0 {
		view.PerPage = f.PerPage
	}
	sort, err := doclist.ParseSort(firstNonEmpty(f.Sort, base.Sort))
	if err != nil {
		return doclist.View{}, err
	}
	view.Sort = sort

	// The filter goes through the same validation path as any other
	// untrusted filter document.
	doc := map[string]any{
		"predicates": f.Predicates,
		"join":       strings.TrimSpace(f.Join),
		"query":      firstNonEmpty(f.Query, base.Query),
	}
	if f.Predicates == nil {
		doc["predicates"] = []any{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return doclist.View{}, fmt.Errorf("%w: filter: %v", doclist.ErrInvalidInput, err)
	}
	filter, err := doclist.DecodeFilter(data)
	if err != nil {
		return doclist.View{}, err
	}
	view.Filter = filter
	return view, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
