package config

import (
	"bytes"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// parseYAML decodes a YAML declaration file:
//
//	resources:
//	  - path: /etc/motd
//	    content: "hello\n"
//	  - path: /srv/app
//	    type: directory
//	    mode: "0750"
//
// Multiple documents separated by "---" are concatenated.
func parseYAML(file string, src []byte) ([]Declaration, []ValidationError) {
	dec := yaml.NewDecoder(bytes.NewReader(src))

	var (
		decls []Declaration
		errs  []ValidationError
	)
	for {
		var root yaml.Node
		err := dec.Decode(&root)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, append(errs, yamlError(file, err))
		}

		items, verr := resourceNodes(file, &root)
		if verr != nil {
			errs = append(errs, *verr)
			continue
		}
		for _, item := range items {
			var d Declaration
			if err := item.Decode(&d); err != nil {
				ve := yamlError(file, err)
				ve.Line = item.Line
				errs = append(errs, ve)
				continue
			}
			d.File = file
			d.Line = item.Line
			decls = append(decls, d)
		}
	}
	return decls, errs
}

// resourceNodes returns the items of the top-level "resources" sequence.
func resourceNodes(file string, root *yaml.Node) ([]*yaml.Node, *ValidationError) {
	doc := root
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return nil, nil
		}
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return nil, &ValidationError{File: file, Line: doc.Line, Message: "expected a mapping with a resources list", Severity: "error"}
	}

	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, val := doc.Content[i], doc.Content[i+1]
		if key.Value != "resources" {
			continue
		}
		if val.Kind == yaml.ScalarNode && val.Tag == "!!null" {
			return nil, nil
		}
		if val.Kind != yaml.SequenceNode {
			return nil, &ValidationError{File: file, Line: val.Line, Path: "resources", Message: "must be a list", Severity: "error"}
		}
		return val.Content, nil
	}
	return nil, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func yamlError(file string, err error) ValidationError {
	ve := ValidationError{File: file, Message: err.Error(), Severity: "error"}

	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) && len(typeErr.Errors) > 0 {
		ve.Message = strings.Join(typeErr.Errors, "; ")
	}
	if m := yamlLine.FindStringSubmatch(ve.Message); m != nil {
		ve.Line, _ = strconv.Atoi(m[1])
	}
	return ve
}
