package reconcile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dunamismax/restoreflow/internal/provider"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrInvalidPayload = errors.New("invalid webhook payload")

type Outcome string

const (
	OutcomeProgress  Outcome = "progress"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Completion is a provider callback normalized to one shape. At most one of
// ArtifactURL, ArtifactPath and InlineData is set on a success.
type Completion struct {
	Provider      string
	ProviderJobID string
	PathAttemptID string
	RawStatus     string
	Outcome       Outcome
	ArtifactURL   string
	// ArtifactPath is a key in the provider-managed bucket.
	ArtifactPath string
	// InlineData is base64 (or a data: URI) carried in the body itself.
	InlineData string
	// ArtifactName is the provider's file name, used to pick an extension.
	ArtifactName string
	Error        string
}

func (c Completion) HasArtifact() bool {
	return c.ArtifactURL != "" || c.ArtifactPath != "" || c.InlineData != ""
}

const runpodSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "status"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "status": {"enum": ["IN_QUEUE", "IN_PROGRESS", "COMPLETED", "FAILED", "CANCELLED", "TIMED_OUT"]},
    "error": {"type": ["string", "null"]},
    "output": {
      "type": ["object", "null"],
      "properties": {
        "files": {"type": "array", "items": {"type": "string"}},
        "files_with_data": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["data"],
            "properties": {
              "path": {"type": "string"},
              "data": {"type": "string"}
            }
          }
        }
      }
    }
  }
}`

const replicateSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "status"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "status": {"enum": ["starting", "processing", "succeeded", "failed", "canceled"]},
    "error": {"type": ["string", "object", "null"]},
    "output": {"type": ["string", "array", "object", "null"]}
  }
}`

var (
	schemasOnce sync.Once
	schemas     map[string]*jsonschema.Schema
	schemasErr  error
)

func compiledSchemas() (map[string]*jsonschema.Schema, error) {
	schemasOnce.Do(func() {
		sources := map[string]string{
			provider.NameRunpod:    runpodSchema,
			provider.NameReplicate: replicateSchema,
		}
		compiler := jsonschema.NewCompiler()
		out := make(map[string]*jsonschema.Schema, len(sources))
		for name, source := range sources {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
			if err != nil {
				schemasErr = fmt.Errorf("parse %s schema: %w", name, err)
				return
			}
			url := "https://restoreflow.dev/schemas/" + name + "-webhook.json"
			if err := compiler.AddResource(url, doc); err != nil {
				schemasErr = fmt.Errorf("add %s schema: %w", name, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				schemasErr = fmt.Errorf("compile %s schema: %w", name, err)
				return
			}
			out[name] = schema
		}
		schemas = out
	})
	return schemas, schemasErr
}

// validate checks body against the provider's webhook schema.
func validate(providerName string, body []byte) error {
	all, err := compiledSchemas()
	if err != nil {
		return err
	}
	schema, ok := all[providerName]
	if !ok {
		return fmt.Errorf("%w: no webhook schema for provider %q", ErrInvalidPayload, providerName)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Parse validates a callback body and normalizes it.
func Parse(providerName, pathAttemptID string, body []byte) (Completion, error) {
	if err := validate(providerName, body); err != nil {
		return Completion{}, err
	}
	var (
		completion Completion
		err        error
	)
	switch providerName {
	case provider.NameRunpod:
		completion, err = parseRunpod(body)
	case provider.NameReplicate:
		completion, err = parseReplicate(body)
	default:
		return Completion{}, fmt.Errorf("%w: unsupported provider %q", ErrInvalidPayload, providerName)
	}
	if err != nil {
		return Completion{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	completion.Provider = providerName
	completion.PathAttemptID = pathAttemptID
	return completion, nil
}

type runpodPayload struct {
	ID     string  `json:"id"`
	Status string  `json:"status"`
	Error  *string `json:"error"`
	Output *struct {
		Files         []string `json:"files"`
		FilesWithData []struct {
			Path string `json:"path"`
			Data string `json:"data"`
		} `json:"files_with_data"`
	} `json:"output"`
}

func parseRunpod(body []byte) (Completion, error) {
	var payload runpodPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Completion{}, err
	}
	c := Completion{ProviderJobID: payload.ID, RawStatus: payload.Status}
	if payload.Error != nil {
		c.Error = strings.TrimSpace(*payload.Error)
	}

	switch payload.Status {
	case "IN_QUEUE", "IN_PROGRESS":
		c.Outcome = OutcomeProgress
	case "CANCELLED":
		c.Outcome = OutcomeCanceled
	case "FAILED", "TIMED_OUT":
		c.Outcome = OutcomeFailed
		if c.Error == "" {
			c.Error = "runpod reported " + payload.Status
		}
	case "COMPLETED":
		c.Outcome = OutcomeSucceeded
		if payload.Output == nil {
			break
		}
		// Inline bytes take precedence over paths in the provider bucket. An
		// entry without data falls back to the listed files.
		for _, file := range payload.Output.FilesWithData {
			if strings.TrimSpace(file.Data) == "" {
				continue
			}
			c.InlineData = file.Data
			c.ArtifactName = file.Path
			break
		}
		if c.InlineData != "" {
			break
		}
		for _, file := range payload.Output.Files {
			file = strings.TrimSpace(file)
			if file == "" {
				continue
			}
			if isHTTPURL(file) {
				c.ArtifactURL = file
			} else {
				c.ArtifactPath = strings.TrimPrefix(file, "/")
			}
			c.ArtifactName = file
			break
		}
	}
	return c, nil
}

type replicatePayload struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  json.RawMessage `json:"error"`
}

func parseReplicate(body []byte) (Completion, error) {
	var payload replicatePayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return Completion{}, err
	}
	c := Completion{ProviderJobID: payload.ID, RawStatus: payload.Status, Error: errorText(payload.Error)}

	switch payload.Status {
	case "starting", "processing":
		c.Outcome = OutcomeProgress
	case "canceled":
		c.Outcome = OutcomeCanceled
	case "failed":
		c.Outcome = OutcomeFailed
		if c.Error == "" {
			c.Error = "replicate reported failed"
		}
	case "succeeded":
		c.Outcome = OutcomeSucceeded
		ref, err := outputReference(payload.Output)
		if err != nil {
			return Completion{}, err
		}
		switch {
		case ref == "":
		case strings.HasPrefix(ref, "data:"):
			c.InlineData = ref
		default:
			c.ArtifactURL = ref
			c.ArtifactName = ref
		}
	}
	return c, nil
}

// outputReference extracts the artifact reference from a prediction output:
// a string, the first element of a list, or an object exposing a url field.
// Any other shape yields no reference, which finalizes as no_output.
func outputReference(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}

	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}
	if list, ok := value.([]any); ok {
		if len(list) == 0 {
			return "", nil
		}
		value = list[0]
	}
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case map[string]any:
		for _, field := range []string{"url", "uri"} {
			if s, ok := v[field].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), nil
			}
		}
		return "", nil
	default:
		// Numbers, booleans and nested lists carry no artifact reference.
		return "", nil
	}
}

func errorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func isHTTPURL(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}
