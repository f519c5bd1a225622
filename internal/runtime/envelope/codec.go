package envelope

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/propagation"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
	idspkg "github.com/drblury/hubflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/hubflow/internal/runtime/metadata"
)

// MagicByte opens every encoded payload.
const MagicByte byte = 0x00

const headerSize = 5

// CodecOptions tunes a Codec.
type CodecOptions struct {
	// AutoRegister registers unknown payload schemas on first encode.
	AutoRegister bool
	// Propagator injects and extracts trace headers. Defaults to
	// DefaultPropagator.
	Propagator propagation.TextMapPropagator
	// Now stamps envelopes without a timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Codec encodes envelopes as "0x00 | schema id (uint32 BE) | protobuf" and
// decodes them back. It is safe for concurrent use.
type Codec struct {
	registry  Registry
	opts      CodecOptions
	traceKeys []string
	mu        sync.RWMutex
	types     map[protoreflect.FullName]protoreflect.MessageType
	idsByName map[protoreflect.FullName]uint32
	typesByID map[uint32]protoreflect.MessageType
}

// NewCodec returns a codec resolving schemas through registry.
func NewCodec(registry Registry, opts CodecOptions) (*Codec, error) {
	if registry == nil {
		return nil, errspkg.ErrRegistryRequired
	}
	if opts.Propagator == nil {
		opts.Propagator = DefaultPropagator()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Codec{
		registry:  registry,
		opts:      opts,
		traceKeys: opts.Propagator.Fields(),
		types:     make(map[protoreflect.FullName]protoreflect.MessageType),
		idsByName: make(map[protoreflect.FullName]uint32),
		typesByID: make(map[uint32]protoreflect.MessageType),
	}, nil
}

// Registry returns the schema registry behind the codec.
func (c *Codec) Registry() Registry { return c.registry }

// RegisterType registers the schema of mt and makes it the decode type for
// its name. Registering the same type twice returns the same id.
func (c *Codec) RegisterType(ctx context.Context, mt protoreflect.MessageType) (uint32, error) {
	if mt == nil {
		return 0, &errspkg.SchemaError{Err: errspkg.ErrPayloadRequired}
	}
	desc := mt.Descriptor()
	definition, err := Definition(desc)
	if err != nil {
		return 0, &errspkg.SchemaError{Schema: string(desc.FullName()), Err: err}
	}
	id, err := c.registry.Register(ctx, string(desc.FullName()), definition)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.types[desc.FullName()] = mt
	c.idsByName[desc.FullName()] = id
	c.typesByID[id] = mt
	c.mu.Unlock()
	return id, nil
}

// SchemaID returns the registry id for msg's schema. Unknown schemas are
// registered when AutoRegister is set, otherwise they fail with SchemaError.
func (c *Codec) SchemaID(ctx context.Context, msg proto.Message) (uint32, error) {
	if msg == nil {
		return 0, &errspkg.SchemaError{Err: errspkg.ErrPayloadRequired}
	}
	mt := msg.ProtoReflect().Type()
	name := mt.Descriptor().FullName()

	c.mu.RLock()
	id, ok := c.idsByName[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	if c.opts.AutoRegister {
		return c.RegisterType(ctx, mt)
	}

	id, err := c.registry.LatestID(ctx, string(name))
	switch {
	case errors.Is(err, errspkg.ErrSchemaNotFound):
		return 0, &errspkg.SchemaError{Schema: string(name), Err: fmt.Errorf("not registered: %w", err)}
	case err != nil:
		return 0, asTransportError("schema lookup", err)
	}

	c.mu.Lock()
	c.idsByName[name] = id
	c.mu.Unlock()
	return id, nil
}

// Encode frames env.Payload and copies the envelope fields into message
// metadata. Missing UUID and timestamp are filled in. When env.Trace is empty
// the trace context of ctx is injected.
func (c *Codec) Encode(ctx context.Context, env Envelope) (*message.Message, error) {
	if env.Payload == nil {
		return nil, &errspkg.SchemaError{Err: errspkg.ErrPayloadRequired}
	}
	id, err := c.SchemaID(ctx, env.Payload)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize, headerSize+proto.Size(env.Payload))
	buf[0] = MagicByte
	binary.BigEndian.PutUint32(buf[1:headerSize], id)
	buf, err = proto.MarshalOptions{}.MarshalAppend(buf, env.Payload)
	if err != nil {
		return nil, &errspkg.SchemaError{Schema: env.SchemaName(), Err: err}
	}

	if env.UUID == "" {
		env.UUID = idspkg.NewMessageID()
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = c.opts.Now()
	}

	md := env.Metadata.User()
	md[metadatapkg.KeySchema] = env.SchemaName()
	md[metadatapkg.KeyTimestamp] = env.Timestamp.UTC().Format(time.RFC3339Nano)
	if env.Key != "" {
		md[metadatapkg.KeyPartitionKey] = env.Key
	}
	if env.CorrelationID != "" {
		md[metadatapkg.KeyCorrelationID] = env.CorrelationID
	}
	if env.ReplyTo != "" {
		md[metadatapkg.KeyReplyTo] = env.ReplyTo
	}
	if env.ReplyError != "" {
		md[metadatapkg.KeyRPCError] = env.ReplyError
	}

	if len(env.Trace) > 0 {
		for k, v := range env.Trace {
			md[k] = v
		}
	} else if ctx != nil {
		c.opts.Propagator.Inject(ctx, propagation.MapCarrier(md))
	}

	msg := message.NewMessage(env.UUID, buf)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, nil
}

// Decode parses msg into an envelope. Malformed frames and unknown or
// unreadable schema ids fail with DecodeError. A registry that cannot be reached yields
// TransportError so the message is redelivered rather than skipped.
func (c *Codec) Decode(ctx context.Context, msg *message.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, &errspkg.DecodeError{Reason: "nil message"}
	}
	payload := msg.Payload
	if len(payload) < headerSize {
		return Envelope{}, &errspkg.DecodeError{Reason: fmt.Sprintf("payload too short (%d bytes)", len(payload))}
	}
	if payload[0] != MagicByte {
		return Envelope{}, &errspkg.DecodeError{Reason: fmt.Sprintf("unknown magic byte 0x%02x", payload[0])}
	}
	id := binary.BigEndian.Uint32(payload[1:headerSize])

	mt, err := c.typeForID(ctx, id)
	if err != nil {
		return Envelope{}, err
	}
	body := mt.New().Interface()
	if err := proto.Unmarshal(payload[headerSize:], body); err != nil {
		return Envelope{}, &errspkg.DecodeError{Reason: "malformed payload", Err: err}
	}

	md := metadatapkg.FromWatermill(msg.Metadata)
	env := Envelope{
		UUID:          msg.UUID,
		Payload:       body,
		SchemaID:      id,
		Key:           md.Get(metadatapkg.KeyPartitionKey),
		CorrelationID: md.Get(metadatapkg.KeyCorrelationID),
		ReplyTo:       md.Get(metadatapkg.KeyReplyTo),
		ReplyError:    md.Get(metadatapkg.KeyRPCError),
	}
	if ts := md.Get(metadatapkg.KeyTimestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Envelope{}, &errspkg.DecodeError{Reason: "invalid timestamp", Err: err}
		}
		env.Timestamp = parsed
	}

	for _, key := range c.traceKeys {
		if v, ok := md[key]; ok {
			if env.Trace == nil {
				env.Trace = make(map[string]string, len(c.traceKeys))
			}
			env.Trace[key] = v
			delete(md, key)
		}
	}
	env.Metadata = md.User()
	return env, nil
}

// Context returns ctx carrying the remote span context of env.
func (c *Codec) Context(ctx context.Context, env Envelope) context.Context {
	return contextFromTrace(ctx, c.opts.Propagator, env.Trace)
}

func (c *Codec) typeForID(ctx context.Context, id uint32) (protoreflect.MessageType, error) {
	c.mu.RLock()
	mt, ok := c.typesByID[id]
	c.mu.RUnlock()
	if ok {
		return mt, nil
	}

	schema, err := c.registry.Lookup(ctx, id)
	var schemaErr *errspkg.SchemaError
	switch {
	case errors.Is(err, errspkg.ErrSchemaNotFound):
		return nil, &errspkg.DecodeError{Reason: fmt.Sprintf("unknown schema id %d", id), Err: err}
	case errors.As(err, &schemaErr):
		return nil, &errspkg.DecodeError{Reason: fmt.Sprintf("unreadable schema id %d", id), Err: err}
	case err != nil:
		return nil, asTransportError("schema lookup", err)
	}

	mt, err = c.resolveType(schema)
	if err != nil {
		return nil, &errspkg.DecodeError{Reason: fmt.Sprintf("schema id %d", id), Err: err}
	}

	c.mu.Lock()
	c.typesByID[id] = mt
	c.mu.Unlock()
	return mt, nil
}

// resolveType prefers locally registered types, then generated types linked
// into the binary, then a dynamic type built from the registry definition.
func (c *Codec) resolveType(schema Schema) (protoreflect.MessageType, error) {
	name := protoreflect.FullName(schema.Subject)

	c.mu.RLock()
	mt, ok := c.types[name]
	c.mu.RUnlock()
	if ok {
		return mt, nil
	}
	if mt, err := protoregistry.GlobalTypes.FindMessageByName(name); err == nil {
		return mt, nil
	}

	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(schema.Definition, &set); err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, fmt.Errorf("invalid definition: %w", err)
	}
	desc, err := files.FindDescriptorByName(name)
	if err != nil {
		return nil, fmt.Errorf("definition does not contain %s: %w", name, err)
	}
	md, ok := desc.(protoreflect.MessageDescriptor)
	if !ok {
		return nil, fmt.Errorf("%s is not a message", name)
	}
	return dynamicpb.NewMessageType(md), nil
}

// Definition serializes the file declaring md together with its imports as a
// FileDescriptorSet. Output is deterministic.
func Definition(md protoreflect.MessageDescriptor) ([]byte, error) {
	var set descriptorpb.FileDescriptorSet
	seen := make(map[string]bool)

	var add func(fd protoreflect.FileDescriptor)
	add = func(fd protoreflect.FileDescriptor) {
		if seen[fd.Path()] {
			return
		}
		seen[fd.Path()] = true
		imports := fd.Imports()
		for i := 0; i < imports.Len(); i++ {
			add(imports.Get(i).FileDescriptor)
		}
		set.File = append(set.File, protodesc.ToFileDescriptorProto(fd))
	}
	add(md.ParentFile())

	return proto.MarshalOptions{Deterministic: true}.Marshal(&set)
}

func asTransportError(op string, err error) error {
	var te *errspkg.TransportError
	if errors.As(err, &te) {
		return err
	}
	var se *errspkg.SchemaError
	if errors.As(err, &se) {
		return err
	}
	return &errspkg.TransportError{Op: op, Err: err}
}
