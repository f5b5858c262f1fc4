// Package actions validates command arguments for each todo action and turns
// them into typed payload bodies.
package actions

import (
	"errors"
	"fmt"
	"strings"

	txcrypto "github.com/todoledger/todo-client/internal/crypto"
	"github.com/todoledger/todo-client/internal/protocol"
)

var (
	ErrArgCount   = fmt.Errorf("%w: incorrect number of arguments", protocol.ErrEncoding)
	ErrEmptyField = fmt.Errorf("%w: empty argument", protocol.ErrEncoding)
)

// Usage lists the positional arguments each action expects.
var Usage = map[protocol.Action][]string{
	protocol.ActionCreateProject: {"project_name"},
	protocol.ActionCreateTask:    {"project_name", "task_name", "description"},
	protocol.ActionProgressTask:  {"project_name", "task_name"},
	protocol.ActionEditTask:      {"project_name", "task_name", "description"},
	protocol.ActionAddUser:       {"project_name", "new_user_passphrase"},
}

// Parse resolves an action by name and builds its body from args.
func Parse(name string, args []string) (protocol.Action, protocol.ActionBody, error) {
	action, err := protocol.ParseAction(name)
	if err != nil {
		return 0, nil, err
	}
	body, err := Build(action, args)
	if err != nil {
		return 0, nil, err
	}
	return action, body, nil
}

func Build(action protocol.Action, args []string) (protocol.ActionBody, error) {
	want, ok := Usage[action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %s", protocol.ErrEncoding, action)
	}
	if len(args) != len(want) {
		return nil, fmt.Errorf("%w: %s takes %d (%s), got %d", ErrArgCount, action, len(want), strings.Join(want, ", "), len(args))
	}
	for i, arg := range args {
		if strings.TrimSpace(arg) == "" {
			return nil, fmt.Errorf("%w: %s %s", ErrEmptyField, action, want[i])
		}
	}

	switch action {
	case protocol.ActionCreateProject:
		return protocol.CreateProject{ProjectName: args[0]}, nil
	case protocol.ActionCreateTask:
		return protocol.CreateTask{ProjectName: args[0], TaskName: args[1], Description: args[2]}, nil
	case protocol.ActionProgressTask:
		return protocol.ProgressTask{ProjectName: args[0], TaskName: args[1]}, nil
	case protocol.ActionEditTask:
		return protocol.EditTask{ProjectName: args[0], TaskName: args[1], Description: args[2]}, nil
	case protocol.ActionAddUser:
		pub, err := txcrypto.PublicKeyFromPassphrase(args[1])
		if err != nil {
			return nil, fmt.Errorf("%w: add_user: derive public key: %v", protocol.ErrEncoding, err)
		}
		return protocol.AddUser{ProjectName: args[0], PublicKey: pub}, nil
	default:
		return nil, fmt.Errorf("%w: unknown action %s", protocol.ErrEncoding, action)
	}
}

// IsArgumentError reports whether err came from argument validation.
func IsArgumentError(err error) bool {
	return errors.Is(err, ErrArgCount) || errors.Is(err, ErrEmptyField)
}
