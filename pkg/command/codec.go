package command

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrMalformed = errors.New("command: malformed wire message")

const (
	keyID       = "id"
	keyName     = "name"
	keyReceiver = "receiver"
	keyTimeout  = "timeout_ms"
	keyResult   = "result"
	keyStrs     = "strs"
	keyInts     = "ints"
	keyDoubles  = "doubles"
	keyBools    = "bools"
)

// Marshal encodes the wire fields of a command. References are never
// encoded and the deadline travels as the time left, so clocks of both
// nodes do not need to agree.
func Marshal(cmd *Command) ([]byte, error) {
	msg, err := encodeFields(cmd.Fields())
	if err != nil {
		return nil, err
	}
	msg.Fields[keyID] = structpb.NewStringValue(cmd.ID())
	msg.Fields[keyName] = structpb.NewStringValue(cmd.Name())
	msg.Fields[keyReceiver] = structpb.NewStringValue(cmd.Receiver())
	if left := cmd.TimeTillTimeout(0); left >= 0 {
		msg.Fields[keyTimeout] = structpb.NewNumberValue(float64(left.Milliseconds()))
	}
	return proto.Marshal(msg)
}

// Unmarshal decodes a command produced by Marshal. The returned command
// keeps the identifier of the original one and is pending.
func Unmarshal(data []byte) (*Command, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	name := msg.Fields[keyName].GetStringValue()
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrMalformed)
	}

	cmd := New(name)
	if id := msg.Fields[keyID].GetStringValue(); id != "" {
		cmd.id = id
	}
	cmd.receiver = msg.Fields[keyReceiver].GetStringValue()
	if tmout, ok := msg.Fields[keyTimeout]; ok {
		ms := tmout.GetNumberValue()
		if ms <= 0 {
			// the deadline already lapsed on the sender side.
			ms = 1
		}
		cmd.SetTimeout(time.Duration(ms) * time.Millisecond)
	}
	fields, err := decodeFields(&msg)
	if err != nil {
		return nil, err
	}
	cmd.Merge(fields)
	return cmd, nil
}

// MarshalReply encodes the result and the fields of a replied command.
func MarshalReply(cmd *Command) ([]byte, error) {
	msg, err := encodeFields(cmd.Fields())
	if err != nil {
		return nil, err
	}
	msg.Fields[keyID] = structpb.NewStringValue(cmd.ID())
	msg.Fields[keyResult] = structpb.NewNumberValue(float64(cmd.Result()))
	return proto.Marshal(msg)
}

// ApplyReply merges the fields carried by a reply into cmd and completes
// it with the transmitted result.
func ApplyReply(cmd *Command, data []byte) error {
	var msg structpb.Struct
	if err := proto.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	res, ok := msg.Fields[keyResult]
	if !ok {
		return fmt.Errorf("%w: reply without result", ErrMalformed)
	}
	if id := msg.Fields[keyID].GetStringValue(); id != cmd.ID() {
		return fmt.Errorf("%w: reply for %q received by %q", ErrMalformed, id, cmd.ID())
	}
	fields, err := decodeFields(&msg)
	if err != nil {
		return err
	}
	cmd.Merge(fields)

	result := Result(int(res.GetNumberValue()))
	if !result.Final() {
		result = ResultFalse
	}
	return cmd.Reply(result)
}

func encodeFields(fields map[string]any) (*structpb.Struct, error) {
	strs := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	ints := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	doubles := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	bools := &structpb.Struct{Fields: map[string]*structpb.Value{}}

	for k, v := range fields {
		switch v := v.(type) {
		case string:
			strs.Fields[k] = structpb.NewStringValue(v)
		case int64:
			// decimal text, a number value is a float64 on the wire.
			ints.Fields[k] = structpb.NewStringValue(strconv.FormatInt(v, 10))
		case float64:
			doubles.Fields[k] = structpb.NewNumberValue(v)
		case bool:
			bools.Fields[k] = structpb.NewBoolValue(v)
		default:
			return nil, fmt.Errorf("%w: field %q has unsupported type %T", ErrMalformed, k, v)
		}
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		keyStrs:    structpb.NewStructValue(strs),
		keyInts:    structpb.NewStructValue(ints),
		keyDoubles: structpb.NewStructValue(doubles),
		keyBools:   structpb.NewStructValue(bools),
	}}, nil
}

func decodeFields(msg *structpb.Struct) (map[string]any, error) {
	out := make(map[string]any)
	for k, v := range msg.Fields[keyStrs].GetStructValue().GetFields() {
		out[k] = v.GetStringValue()
	}
	for k, v := range msg.Fields[keyInts].GetStructValue().GetFields() {
		i, err := strconv.ParseInt(v.GetStringValue(), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: int field %q: %w", ErrMalformed, k, err)
		}
		out[k] = i
	}
	for k, v := range msg.Fields[keyDoubles].GetStructValue().GetFields() {
		out[k] = v.GetNumberValue()
	}
	for k, v := range msg.Fields[keyBools].GetStructValue().GetFields() {
		out[k] = v.GetBoolValue()
	}
	return out, nil
}
