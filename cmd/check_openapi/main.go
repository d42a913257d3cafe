package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"groundchat/internal/server"
)

var httpMethods = []string{"get", "put", "post", "delete", "patch", "head", "options"}

type openAPIDoc struct {
	Paths      map[string]map[string]yaml.Node `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// run checks that the document describes exactly the routes the server
// registers and that its shared schemas match the JSON the server writes.
func run(path string, out io.Writer) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	if err := compareRoutes(documentedRoutes(doc), server.Routes()); err != nil {
		return err
	}
	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errSchema); err != nil {
		return err
	}
	docSchema, err := getSchema(doc, "Document")
	if err != nil {
		return err
	}
	if err := validateEnum("Document.status", docSchema, "status", []string{"queued", "processing", "ready", "failed"}); err != nil {
		return err
	}
	msgSchema, err := getSchema(doc, "Message")
	if err != nil {
		return err
	}
	if err := validateEnum("Message.role", msgSchema, "role", []string{"user", "assistant"}); err != nil {
		return err
	}
	fmt.Fprintln(out, "OpenAPI consistency check passed.")
	return nil
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// documentedRoutes flattens paths into ServeMux patterns, e.g.
// "GET /api/documents/{id}".
func documentedRoutes(doc openAPIDoc) []string {
	var out []string
	for path, item := range doc.Paths {
		for key := range item {
			if slices.Contains(httpMethods, key) {
				out = append(out, strings.ToUpper(key)+" "+path)
			}
		}
	}
	slices.Sort(out)
	return out
}

func compareRoutes(documented, registered []string) error {
	var missing, extra []string
	for _, r := range registered {
		if !slices.Contains(documented, r) {
			missing = append(missing, r)
		}
	}
	for _, r := range documented {
		if !slices.Contains(registered, r) {
			extra = append(extra, r)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}
	var b strings.Builder
	if len(missing) > 0 {
		fmt.Fprintf(&b, "routes missing from openapi: %s", strings.Join(missing, ", "))
	}
	if len(extra) > 0 {
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "openapi documents unknown routes: %s", strings.Join(extra, ", "))
	}
	return errors.New(b.String())
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	if !makeSet(s.Required)["error"] {
		return errors.New(`ErrorResponse.required must include "error"`)
	}
	errorProp, ok := s.Properties["error"]
	if !ok || errorProp.Type != "string" {
		return errors.New("ErrorResponse.error must be string")
	}
	return nil
}

func validateEnum(scope string, s schema, prop string, want []string) error {
	p, ok := s.Properties[prop]
	if !ok {
		return fmt.Errorf("%s missing", scope)
	}
	got := append([]string(nil), p.Enum...)
	slices.Sort(got)
	want = append([]string(nil), want...)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return fmt.Errorf("%s enum mismatch: %v vs %v", scope, got, want)
	}
	return nil
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
