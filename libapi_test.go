package hubflow

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestSubscribeProtoPropagatesErrors(t *testing.T) {
	err := SubscribeProto[*structpb.Struct](nil, ConsumerConfig{}, func(context.Context, ProtoMessageContext[*structpb.Struct]) ([]ProtoMessageOutput, error) {
		return nil, nil
	})
	if !errors.Is(err, ErrServiceRequired) {
		t.Fatalf("expected service required error, got %v", err)
	}
}

func TestAsConvertsPayloads(t *testing.T) {
	got, err := As[*wrapperspb.StringValue](wrapperspb.String("mint"))
	require.NoError(t, err)
	assert.Equal(t, "mint", got.GetValue())

	_, err = As[*wrapperspb.StringValue](wrapperspb.Int64(1))
	var schemaErr *SchemaError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestBuiltinTransportsRegistered(t *testing.T) {
	for _, name := range []string{"aws", "channel", "kafka", "nats", "rabbitmq"} {
		if !DefaultTransportRegistry.Has(name) {
			t.Fatalf("expected transport %q to be registered", name)
		}
	}
}

func TestLoggerExports(t *testing.T) {
	logger := NewEntryServiceLogger(&stubEntry{})
	logger.Info("boot", LogFields{"component": "test"})
	NewNopLogger().Debug("ignored", nil)
}

func TestMetadataExport(t *testing.T) {
	md := NewMetadata("key", "value")
	if md["key"] != "value" {
		t.Fatalf("expected metadata to contain key, got %#v", md)
	}
}

func TestErrorExports(t *testing.T) {
	result, _ := ClassifyError(DeadLetterWithReason("bad payload", nil))
	result2, _ := ClassifyError(ErrSkip)
	assert.NotEqual(t, result, result2)
	assert.Equal(t, "bad payload", DeadLetterReason(DeadLetterWithReason("bad payload", nil)))
	assert.Equal(t, SeverityPermanent, Triage(Permanent(errors.New("x"))))

	err := error(&CorrelationError{ID: "c", Topic: "t", Kind: CorrelationTimedOut})
	assert.ErrorIs(t, err, ErrCorrelationTimedOut)
	assert.False(t, errors.Is(err, ErrCorrelationCancelled))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_name: minting\npubsub_system: channel\nconsumer_max_deliveries: 3\n"), 0o600))

	t.Setenv("SERVICE_NAME", "credits")
	conf, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "credits", conf.ServiceName)
	assert.Equal(t, "channel", conf.PubSubSystem)

	conf, err = LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "credits", conf.ServiceName)
}

type stubEntry struct {
	fields LogFields
	err    error
}

func (s *stubEntry) Error(args ...any) {}
func (s *stubEntry) Info(args ...any)  {}
func (s *stubEntry) Debug(args ...any) {}
func (s *stubEntry) Trace(args ...any) {}

func (s *stubEntry) WithError(err error) *stubEntry {
	clone := *s
	clone.err = err
	return &clone
}

func (s *stubEntry) WithField(key string, value any) *stubEntry {
	clone := *s
	if clone.fields == nil {
		clone.fields = make(LogFields)
	}
	clone.fields[key] = value
	return &clone
}
