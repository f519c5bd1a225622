package envelope

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
)

const registryContentType = "application/vnd.schemaregistry.v1+json"

var registryJSON = sonic.ConfigStd

// HTTPRegistry talks to the hub schema registry over HTTP. The endpoints use
// the Confluent REST layout but the contract is hubflow's own: a subject is a
// protobuf message full name, its definition is a base64 FileDescriptorSet
// holding the message's file and every import, and each subject version gets
// its own id. A stock Confluent registry does not satisfy it, since it shares
// ids between subjects with equal schemas and stores .proto text.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRegistry returns a registry client for baseURL. A nil client uses a
// client with a 10 second timeout.
func NewHTTPRegistry(baseURL string, client *http.Client) (*HTTPRegistry, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid schema registry url: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRegistry{baseURL: strings.TrimRight(baseURL, "/"), client: client}, nil
}

type registerRequest struct {
	SchemaType string `json:"schemaType"`
	Schema     string `json:"schema"`
}

type schemaResponse struct {
	ID      uint32 `json:"id"`
	Subject string `json:"subject,omitempty"`
	Version int    `json:"version,omitempty"`
	Schema  string `json:"schema,omitempty"`
}

type registryErrorResponse struct {
	ErrorCode int    `json:"error_code"`
	Message   string `json:"message"`
}

func (r *HTTPRegistry) Register(ctx context.Context, subject string, definition []byte) (uint32, error) {
	if err := checkDefinition(subject, definition); err != nil {
		return 0, &errspkg.SchemaError{Schema: subject, Err: err}
	}
	body, err := registryJSON.Marshal(registerRequest{
		SchemaType: "PROTOBUF",
		Schema:     base64.StdEncoding.EncodeToString(definition),
	})
	if err != nil {
		return 0, &errspkg.SchemaError{Schema: subject, Err: err}
	}

	var resp schemaResponse
	path := "/subjects/" + url.PathEscape(subject) + "/versions"
	if err := r.do(ctx, http.MethodPost, path, body, subject, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (r *HTTPRegistry) Lookup(ctx context.Context, id uint32) (Schema, error) {
	ref := "schema id " + strconv.FormatUint(uint64(id), 10)

	var resp schemaResponse
	if err := r.do(ctx, http.MethodGet, "/schemas/ids/"+strconv.FormatUint(uint64(id), 10), nil, ref, &resp); err != nil {
		return Schema{}, err
	}
	definition, err := base64.StdEncoding.DecodeString(resp.Schema)
	if err != nil {
		return Schema{}, &errspkg.SchemaError{Schema: ref, Err: fmt.Errorf("definition is not base64: %w", err)}
	}

	var subjects []string
	if err := r.do(ctx, http.MethodGet, "/schemas/ids/"+strconv.FormatUint(uint64(id), 10)+"/subjects", nil, ref, &subjects); err != nil {
		return Schema{}, err
	}
	if len(subjects) != 1 {
		if len(subjects) == 0 {
			return Schema{}, fmt.Errorf("%s has no subject: %w", ref, errspkg.ErrSchemaNotFound)
		}
		return Schema{}, &errspkg.SchemaError{Schema: ref, Err: fmt.Errorf("id is shared by subjects %v", subjects)}
	}
	if err := checkDefinition(subjects[0], definition); err != nil {
		return Schema{}, &errspkg.SchemaError{Schema: ref, Err: err}
	}

	return Schema{ID: id, Subject: subjects[0], Definition: definition}, nil
}

func (r *HTTPRegistry) LatestID(ctx context.Context, subject string) (uint32, error) {
	var resp schemaResponse
	path := "/subjects/" + url.PathEscape(subject) + "/versions/latest"
	if err := r.do(ctx, http.MethodGet, path, nil, subject, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

func (r *HTTPRegistry) do(ctx context.Context, method, path string, body []byte, ref string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return &errspkg.TransportError{Op: "schema registry", Err: err}
	}
	req.Header.Set("Accept", registryContentType)
	if body != nil {
		req.Header.Set("Content-Type", registryContentType)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return &errspkg.TransportError{Op: "schema registry", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &errspkg.TransportError{Op: "schema registry", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", ref, errspkg.ErrSchemaNotFound)
	case resp.StatusCode >= http.StatusInternalServerError:
		return &errspkg.TransportError{Op: "schema registry", Err: statusError(resp.StatusCode, data)}
	case resp.StatusCode >= http.StatusBadRequest:
		return &errspkg.SchemaError{Schema: ref, Err: statusError(resp.StatusCode, data)}
	}

	if err := registryJSON.Unmarshal(data, out); err != nil {
		return &errspkg.TransportError{Op: "schema registry", Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// checkDefinition verifies that definition is a FileDescriptorSet declaring
// the message named subject.
func checkDefinition(subject string, definition []byte) error {
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(definition, &set); err != nil {
		return fmt.Errorf("definition is not a FileDescriptorSet: %w", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return fmt.Errorf("invalid definition: %w", err)
	}
	desc, err := files.FindDescriptorByName(protoreflect.FullName(subject))
	if err != nil {
		return fmt.Errorf("definition does not declare %s: %w", subject, err)
	}
	if _, ok := desc.(protoreflect.MessageDescriptor); !ok {
		return fmt.Errorf("%s is not a message", subject)
	}
	return nil
}

func statusError(status int, body []byte) error {
	var payload registryErrorResponse
	if err := registryJSON.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return fmt.Errorf("status %d: %s", status, payload.Message)
	}
	return fmt.Errorf("status %d", status)
}
