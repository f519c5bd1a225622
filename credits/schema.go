package credits

import (
	"context"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/drblury/hubflow/internal/runtime"
	errspkg "github.com/drblury/hubflow/internal/runtime/errors"
)

// Schema names of the charge exchange.
const (
	ChargeRequestSchema  = "hub.credits.v1.ChargeRequest"
	ChargeResponseSchema = "hub.credits.v1.ChargeResponse"
	ConfirmationSchema   = "hub.credits.v1.DeductionConfirmed"
)

const (
	fieldIdempotencyKey = "idempotency_key"
	fieldService        = "service"
	fieldAction         = "action"
	fieldQuantity       = "quantity"
	fieldBlockchain     = "blockchain"
	fieldOrganization   = "organization"
	fieldUser           = "user"
	fieldCredits        = "credits"
	fieldOutcome        = "outcome"
	fieldReason         = "reason"
)

type chargeSchema struct {
	request      protoreflect.MessageType
	response     protoreflect.MessageType
	confirmation protoreflect.MessageType
}

var schema = mustBuildSchema()

func mustBuildSchema() chargeSchema {
	fd, err := protodesc.NewFile(fileDescriptor(), new(protoregistry.Files))
	if err != nil {
		panic(fmt.Sprintf("credits: invalid charge schema: %v", err))
	}
	return chargeSchema{
		request:      dynamicpb.NewMessageType(fd.Messages().ByName("ChargeRequest")),
		response:     dynamicpb.NewMessageType(fd.Messages().ByName("ChargeResponse")),
		confirmation: dynamicpb.NewMessageType(fd.Messages().ByName("DeductionConfirmed")),
	}
}

func fileDescriptor() *descriptorpb.FileDescriptorProto {
	field := func(name string, number int32, typ descriptorpb.FieldDescriptorProto_Type, typeName string) *descriptorpb.FieldDescriptorProto {
		f := &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(number),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
			Type:   typ.Enum(),
		}
		if typeName != "" {
			f.TypeName = proto.String(typeName)
		}
		return f
	}
	enum := func(name string, values ...string) *descriptorpb.EnumDescriptorProto {
		e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
		for i, v := range values {
			e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
				Name:   proto.String(v),
				Number: proto.Int32(int32(i)),
			})
		}
		return e
	}

	const (
		str  = descriptorpb.FieldDescriptorProto_TYPE_STRING
		u64  = descriptorpb.FieldDescriptorProto_TYPE_UINT64
		enm  = descriptorpb.FieldDescriptorProto_TYPE_ENUM
		pkg  = "hub.credits.v1"
		bcTy = "." + pkg + ".Blockchain"
		ocTy = "." + pkg + ".Outcome"
	)

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("hub/credits/v1/credits.proto"),
		Package: proto.String(pkg),
		Syntax:  proto.String("proto3"),
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enum("Blockchain", "BLOCKCHAIN_UNSPECIFIED", "BLOCKCHAIN_SOLANA", "BLOCKCHAIN_POLYGON", "BLOCKCHAIN_ETHEREUM"),
			enum("Outcome", "OUTCOME_UNSPECIFIED", "OUTCOME_APPROVED", "OUTCOME_DENIED", "OUTCOME_FAILED"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: proto.String("ChargeRequest"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field(fieldIdempotencyKey, 1, str, ""),
					field(fieldService, 2, str, ""),
					field(fieldAction, 3, str, ""),
					field(fieldQuantity, 4, u64, ""),
					field(fieldBlockchain, 5, enm, bcTy),
					field(fieldOrganization, 6, str, ""),
					field(fieldUser, 7, str, ""),
					field(fieldCredits, 8, u64, ""),
				},
			},
			{
				Name: proto.String("ChargeResponse"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field(fieldIdempotencyKey, 1, str, ""),
					field(fieldOutcome, 2, enm, ocTy),
					field(fieldReason, 3, str, ""),
					field(fieldCredits, 4, u64, ""),
				},
			},
			{
				Name: proto.String("DeductionConfirmed"),
				Field: []*descriptorpb.FieldDescriptorProto{
					field(fieldIdempotencyKey, 1, str, ""),
				},
			},
		},
	}
}

// Types returns prototypes of the request, response and confirmation
// messages.
func Types() []proto.Message {
	return []proto.Message{
		schema.request.New().Interface(),
		schema.response.New().Interface(),
		schema.confirmation.New().Interface(),
	}
}

// RegisterTypes registers the charge schemas with the service codec. Both
// clients and servers need them before the first exchange.
func RegisterTypes(ctx context.Context, svc *runtime.Service) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	return svc.RegisterTypes(ctx, Types()...)
}

// RequestMessage encodes r as a hub.credits.v1.ChargeRequest.
func RequestMessage(r ChargeRequest) proto.Message {
	m := schema.request.New()
	w := writer{m}
	w.str(fieldIdempotencyKey, r.IdempotencyKey)
	w.str(fieldService, r.Service)
	w.str(fieldAction, r.Action)
	w.u64(fieldQuantity, r.Quantity)
	w.enum(fieldBlockchain, int32(r.Blockchain))
	w.str(fieldOrganization, r.Organization)
	w.str(fieldUser, r.User)
	w.u64(fieldCredits, r.Credits)
	return m.Interface()
}

// ParseRequest decodes a hub.credits.v1.ChargeRequest. msg may be any message
// of that schema, including one decoded from a registry definition.
func ParseRequest(msg proto.Message) (ChargeRequest, error) {
	r, err := readerFor(msg, ChargeRequestSchema)
	if err != nil {
		return ChargeRequest{}, err
	}
	chain := Blockchain(r.enum(fieldBlockchain))
	if chain < OffChain || chain > Ethereum {
		return ChargeRequest{}, &errspkg.SchemaError{Schema: ChargeRequestSchema, Err: fmt.Errorf("%w: %d", ErrUnknownBlockchain, int(chain))}
	}
	return ChargeRequest{
		IdempotencyKey: r.str(fieldIdempotencyKey),
		Service:        r.str(fieldService),
		Action:         r.str(fieldAction),
		Quantity:       r.u64(fieldQuantity),
		Blockchain:     chain,
		Organization:   r.str(fieldOrganization),
		User:           r.str(fieldUser),
		Credits:        r.u64(fieldCredits),
	}, nil
}

// ResponseMessage encodes the outcome for key as a
// hub.credits.v1.ChargeResponse.
func ResponseMessage(key string, o Outcome) proto.Message {
	m := schema.response.New()
	w := writer{m}
	w.str(fieldIdempotencyKey, key)
	w.enum(fieldOutcome, int32(o.Kind))
	w.str(fieldReason, o.Reason)
	w.u64(fieldCredits, o.Credits)
	return m.Interface()
}

// ParseResponse decodes a hub.credits.v1.ChargeResponse into its key and
// outcome.
func ParseResponse(msg proto.Message) (string, Outcome, error) {
	r, err := readerFor(msg, ChargeResponseSchema)
	if err != nil {
		return "", Outcome{}, err
	}
	o := Outcome{
		Kind:    OutcomeKind(r.enum(fieldOutcome)),
		Reason:  r.str(fieldReason),
		Credits: r.u64(fieldCredits),
	}
	if !o.valid() {
		return "", Outcome{}, &errspkg.SchemaError{Schema: ChargeResponseSchema, Err: fmt.Errorf("unspecified outcome %d", int(o.Kind))}
	}
	return r.str(fieldIdempotencyKey), o, nil
}

// ConfirmationMessage encodes a hub.credits.v1.DeductionConfirmed for key.
func ConfirmationMessage(key string) proto.Message {
	m := schema.confirmation.New()
	writer{m}.str(fieldIdempotencyKey, key)
	return m.Interface()
}

// ParseConfirmation decodes a hub.credits.v1.DeductionConfirmed into its key.
func ParseConfirmation(msg proto.Message) (string, error) {
	r, err := readerFor(msg, ConfirmationSchema)
	if err != nil {
		return "", err
	}
	key := r.str(fieldIdempotencyKey)
	if key == "" {
		return "", &errspkg.SchemaError{Schema: ConfirmationSchema, Err: ErrIdempotencyKeyRequired}
	}
	return key, nil
}

type writer struct{ m protoreflect.Message }

func (w writer) set(name string, v protoreflect.Value) {
	w.m.Set(w.m.Descriptor().Fields().ByName(protoreflect.Name(name)), v)
}

func (w writer) str(name, v string)        { w.set(name, protoreflect.ValueOfString(v)) }
func (w writer) u64(name string, v uint64) { w.set(name, protoreflect.ValueOfUint64(v)) }
func (w writer) enum(name string, v int32) {
	w.set(name, protoreflect.ValueOfEnum(protoreflect.EnumNumber(v)))
}

// reader tolerates fields that are missing or of another kind, which reads as
// the zero value.
type reader struct{ m protoreflect.Message }

func readerFor(msg proto.Message, want protoreflect.FullName) (reader, error) {
	if msg == nil {
		return reader{}, &errspkg.SchemaError{Schema: string(want), Err: errspkg.ErrPayloadRequired}
	}
	m := msg.ProtoReflect()
	if !m.IsValid() {
		return reader{}, &errspkg.SchemaError{Schema: string(want), Err: errspkg.ErrPayloadRequired}
	}
	if got := m.Descriptor().FullName(); got != want {
		return reader{}, &errspkg.SchemaError{Schema: string(got), Err: fmt.Errorf("expected %s", want)}
	}
	return reader{m}, nil
}

func (r reader) field(name string, kind protoreflect.Kind) protoreflect.FieldDescriptor {
	fd := r.m.Descriptor().Fields().ByName(protoreflect.Name(name))
	if fd == nil || fd.Kind() != kind || fd.Cardinality() == protoreflect.Repeated {
		return nil
	}
	return fd
}

func (r reader) str(name string) string {
	if fd := r.field(name, protoreflect.StringKind); fd != nil {
		return r.m.Get(fd).String()
	}
	return ""
}

func (r reader) u64(name string) uint64 {
	if fd := r.field(name, protoreflect.Uint64Kind); fd != nil {
		return r.m.Get(fd).Uint()
	}
	return 0
}

func (r reader) enum(name string) int32 {
	if fd := r.field(name, protoreflect.EnumKind); fd != nil {
		return int32(r.m.Get(fd).Enum())
	}
	return 0
}
