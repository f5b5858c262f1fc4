package protocol

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePayloadKnownBytes(t *testing.T) {
	got, err := EncodePayload(ActionCreateTask, 1, CreateTask{ProjectName: "p", TaskName: "t", Description: "d"})
	require.NoError(t, err)
	want := []byte{
		0x08, 0x01, // action
		0x10, 0x01, // timestamp
		0x22, 0x09, // create_task, 9 bytes
		0x0a, 0x01, 'p',
		0x12, 0x01, 't',
		0x1a, 0x01, 'd',
	}
	assert.Equal(t, want, got)
}

func TestEncodePayloadWritesEmptyBody(t *testing.T) {
	got, err := EncodePayload(ActionCreateProject, 0, CreateProject{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1a, 0x00}, got)

	p, err := DecodePayload(got)
	require.NoError(t, err)
	assert.Equal(t, CreateProject{}, p.Body)
}

func TestEncodePayloadRejectsMismatchedBody(t *testing.T) {
	_, err := EncodePayload(ActionEditTask, 10, CreateProject{ProjectName: "p"})
	require.ErrorIs(t, err, ErrEncoding)
	_, err = EncodePayload(ActionAddUser, 10, nil)
	require.ErrorIs(t, err, ErrEncoding)
	_, err = EncodePayload(ActionCreateProject, -1, CreateProject{ProjectName: "p"})
	require.ErrorIs(t, err, ErrEncoding)
}

func TestDecodePayloadRoundTrip(t *testing.T) {
	cases := []ActionBody{
		CreateProject{ProjectName: "alpha"},
		CreateTask{ProjectName: "alpha", TaskName: "t1", Description: "first"},
		ProgressTask{ProjectName: "alpha", TaskName: "t1"},
		EditTask{ProjectName: "alpha", TaskName: "t1", Description: "edited"},
		AddUser{ProjectName: "alpha", PublicKey: "02ff"},
	}
	for _, body := range cases {
		t.Run(body.Action().String(), func(t *testing.T) {
			raw, err := EncodePayload(body.Action(), 1700000000, body)
			require.NoError(t, err)
			p, err := DecodePayload(raw)
			require.NoError(t, err)
			assert.Equal(t, Payload{Action: body.Action(), Timestamp: 1700000000, Body: body}, p)

			again, err := p.Encode()
			require.NoError(t, err)
			assert.Equal(t, raw, again)
		})
	}
}

func TestPayloadEncodeRejectsMissingBody(t *testing.T) {
	_, err := Payload{Action: ActionCreateTask, Timestamp: 1}.Encode()
	require.ErrorIs(t, err, ErrEncoding)
}

func TestDecodePayloadRejectsTwoBodies(t *testing.T) {
	a, err := EncodePayload(ActionCreateProject, 5, CreateProject{ProjectName: "a"})
	require.NoError(t, err)
	extra := []byte{0x3a, 0x00} // add_user, empty
	_, err = DecodePayload(append(a, extra...))
	require.ErrorIs(t, err, ErrEncoding)
}

func TestDecodePayloadRejectsTagBodyMismatch(t *testing.T) {
	raw := []byte{0x08, 0x02, 0x1a, 0x00} // progress_task tag with create_project body
	_, err := DecodePayload(raw)
	require.ErrorIs(t, err, ErrEncoding)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Progress_Task ")
	require.NoError(t, err)
	assert.Equal(t, ActionProgressTask, a)
	_, err = ParseAction("delete_everything")
	require.ErrorIs(t, err, ErrEncoding)
	assert.Equal(t, "action(9)", Action(9).String())
}

func TestEncodePayloadDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("identical logical payloads encode to identical bytes", prop.ForAll(
		func(project, task, desc string, ts int64) bool {
			first, err := EncodePayload(ActionEditTask, ts, EditTask{ProjectName: project, TaskName: task, Description: desc})
			if err != nil {
				return false
			}
			second, err := EncodePayload(ActionEditTask, ts, EditTask{ProjectName: project, TaskName: task, Description: desc})
			if err != nil {
				return false
			}
			return bytes.Equal(first, second)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AnyString(),
		gen.Int64Range(0, 1<<40),
	))

	properties.TestingRun(t)
}
