package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://medialoader.local/schemas/"

const (
	schemaDownload      = "download.json"
	schemaPlaylist      = "playlist.json"
	schemaTranscription = "transcription.json"
)

// maxBodyBytes bounds request bodies; every accepted document is tiny.
const maxBodyBytes = 1 << 20

type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator() (*validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true

	files, err := fs.Glob(schemaFS, "schemas/*.json")
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		data, err := schemaFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		if err := c.AddResource(schemaBaseURL+path.Base(file), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schema resource %s: %w", file, err)
		}
	}

	v := &validator{schemas: map[string]*jsonschema.Schema{}}
	for _, name := range []string{schemaDownload, schemaPlaylist, schemaTranscription} {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// decode reads the request body, validates it against the named schema and
// unmarshals it into dst.
func (v *validator) decode(r *http.Request, w http.ResponseWriter, name string, dst any) error {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return newError(http.StatusRequestEntityTooLarge, codeInvalidRequest, "request body too large", fmt.Sprintf("limit is %d bytes", tooLarge.Limit))
		}
		return badRequest("failed to read request body", err.Error())
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return badRequest("request body is empty", "send a JSON object")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return badRequest("request body is not valid JSON", err.Error())
	}
	schema, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("unknown schema %s", name)
	}
	if err := schema.Validate(doc); err != nil {
		return badRequest("request body failed validation", describeValidation(err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return badRequest("request body does not match the expected shape", err.Error())
	}
	return nil
}

// describeValidation flattens a validation error into its leaf messages.
func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	collectCauses(ve, &msgs)
	return strings.Join(msgs, "; ")
}

func collectCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*out = append(*out, loc+": "+ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		collectCauses(cause, out)
	}
}
