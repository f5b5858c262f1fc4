package protocol

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Action is the tag carried in every todo payload. Values are fixed by the
// transaction family's schema.
type Action int32

const (
	ActionCreateProject Action = 0
	ActionCreateTask    Action = 1
	ActionProgressTask  Action = 2
	ActionEditTask      Action = 3
	ActionAddUser       Action = 4
)

var ErrEncoding = errors.New("payload encoding")

var actionNames = map[Action]string{
	ActionCreateProject: "create_project",
	ActionCreateTask:    "create_task",
	ActionProgressTask:  "progress_task",
	ActionEditTask:      "edit_task",
	ActionAddUser:       "add_user",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int32(a))
}

func ParseAction(name string) (Action, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for a, s := range actionNames {
		if s == n {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown action %q", ErrEncoding, name)
}

const (
	fieldPayloadAction       protowire.Number = 1
	fieldPayloadTimestamp    protowire.Number = 2
	fieldPayloadCreateProj   protowire.Number = 3
	fieldPayloadCreateTask   protowire.Number = 4
	fieldPayloadProgressTask protowire.Number = 5
	fieldPayloadEditTask     protowire.Number = 6
	fieldPayloadAddUser      protowire.Number = 7
)

// ActionBody is the closed set of per-action argument structs. Only the types in
// this file implement it.
type ActionBody interface {
	Action() Action
	marshal() []byte
}

type CreateProject struct {
	ProjectName string
}

type CreateTask struct {
	ProjectName string
	TaskName    string
	Description string
}

type ProgressTask struct {
	ProjectName string
	TaskName    string
}

type EditTask struct {
	ProjectName string
	TaskName    string
	Description string
}

type AddUser struct {
	ProjectName string
	PublicKey   string
}

func (CreateProject) Action() Action { return ActionCreateProject }
func (CreateTask) Action() Action    { return ActionCreateTask }
func (ProgressTask) Action() Action  { return ActionProgressTask }
func (EditTask) Action() Action      { return ActionEditTask }
func (AddUser) Action() Action       { return ActionAddUser }

func (b CreateProject) marshal() []byte {
	return appendString(nil, 1, b.ProjectName)
}

func (b CreateTask) marshal() []byte {
	out := appendString(nil, 1, b.ProjectName)
	out = appendString(out, 2, b.TaskName)
	return appendString(out, 3, b.Description)
}

func (b ProgressTask) marshal() []byte {
	out := appendString(nil, 1, b.ProjectName)
	return appendString(out, 2, b.TaskName)
}

func (b EditTask) marshal() []byte {
	out := appendString(nil, 1, b.ProjectName)
	out = appendString(out, 2, b.TaskName)
	return appendString(out, 3, b.Description)
}

func (b AddUser) marshal() []byte {
	out := appendString(nil, 1, b.ProjectName)
	return appendString(out, 2, b.PublicKey)
}

// Payload is the decoded form of a todo transaction payload.
type Payload struct {
	Action    Action
	Timestamp int64
	Body      ActionBody
}

func bodyField(a Action) (protowire.Number, error) {
	switch a {
	case ActionCreateProject:
		return fieldPayloadCreateProj, nil
	case ActionCreateTask:
		return fieldPayloadCreateTask, nil
	case ActionProgressTask:
		return fieldPayloadProgressTask, nil
	case ActionEditTask:
		return fieldPayloadEditTask, nil
	case ActionAddUser:
		return fieldPayloadAddUser, nil
	default:
		return 0, fmt.Errorf("%w: unknown action %d", ErrEncoding, int32(a))
	}
}

// EncodePayload serializes one action. The same inputs always yield the same bytes.
func EncodePayload(action Action, timestamp int64, body ActionBody) ([]byte, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: %s: missing action body", ErrEncoding, action)
	}
	if body.Action() != action {
		return nil, fmt.Errorf("%w: action %s does not match body %s", ErrEncoding, action, body.Action())
	}
	if timestamp < 0 {
		return nil, fmt.Errorf("%w: %s: negative timestamp %d", ErrEncoding, action, timestamp)
	}
	num, err := bodyField(action)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendVarint(b, fieldPayloadAction, uint64(action))
	b = appendVarint(b, fieldPayloadTimestamp, uint64(timestamp))
	// The body is always written, even when empty, so its presence selects the variant.
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendBytes(b, body.marshal())
	return b, nil
}

func (p Payload) Encode() ([]byte, error) {
	return EncodePayload(p.Action, p.Timestamp, p.Body)
}

func DecodePayload(b []byte) (Payload, error) {
	var p Payload
	bodies := 0
	err := walkFields(b, "payload", func(r *fieldReader) error {
		switch r.num {
		case fieldPayloadAction:
			v, err := r.varint()
			p.Action = Action(int32(v))
			return err
		case fieldPayloadTimestamp:
			v, err := r.varint()
			p.Timestamp = int64(v)
			return err
		case fieldPayloadCreateProj, fieldPayloadCreateTask, fieldPayloadProgressTask, fieldPayloadEditTask, fieldPayloadAddUser:
			raw, err := r.bytes()
			if err != nil {
				return err
			}
			body, err := decodeBody(r.num, raw)
			if err != nil {
				return err
			}
			p.Body = body
			bodies++
			return nil
		default:
			return r.skip()
		}
	})
	if err != nil {
		return Payload{}, err
	}
	if bodies != 1 {
		return Payload{}, fmt.Errorf("%w: payload carries %d action bodies, want 1", ErrEncoding, bodies)
	}
	if p.Body.Action() != p.Action {
		return Payload{}, fmt.Errorf("%w: action %s does not match body %s", ErrEncoding, p.Action, p.Body.Action())
	}
	return p, nil
}

func decodeBody(num protowire.Number, raw []byte) (ActionBody, error) {
	fields := map[protowire.Number]string{}
	err := walkFields(raw, "action body", func(r *fieldReader) error {
		if r.typ != protowire.BytesType {
			return r.skip()
		}
		v, err := r.str()
		fields[r.num] = v
		return err
	})
	if err != nil {
		return nil, err
	}
	switch num {
	case fieldPayloadCreateProj:
		return CreateProject{ProjectName: fields[1]}, nil
	case fieldPayloadCreateTask:
		return CreateTask{ProjectName: fields[1], TaskName: fields[2], Description: fields[3]}, nil
	case fieldPayloadProgressTask:
		return ProgressTask{ProjectName: fields[1], TaskName: fields[2]}, nil
	case fieldPayloadEditTask:
		return EditTask{ProjectName: fields[1], TaskName: fields[2], Description: fields[3]}, nil
	case fieldPayloadAddUser:
		return AddUser{ProjectName: fields[1], PublicKey: fields[2]}, nil
	default:
		return nil, fmt.Errorf("%w: unknown body field %d", ErrEncoding, num)
	}
}
