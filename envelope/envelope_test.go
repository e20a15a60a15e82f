package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/loopcore/errors"
)

func TestDecode_Valid(t *testing.T) {
	env, err := Decode([]byte(`{"v":1,"type":"x","topic":"t","data":{}}`))
	require.NoError(t, err)

	assert.Equal(t, Version, env.Version)
	assert.Equal(t, "x", env.Type)
	assert.Equal(t, "t", env.Topic)
	assert.JSONEq(t, `{}`, string(env.Data))
}

func TestDecode_AcceptsAnyDataValue(t *testing.T) {
	for _, data := range []string{`null`, `[]`, `"text"`, `42`, `{"nested":{"a":1}}`} {
		t.Run(data, func(t *testing.T) {
			frame := `{"v":1,"type":"x","topic":"t","data":` + data + `}`
			env, err := Decode([]byte(frame))
			require.NoError(t, err)
			assert.JSONEq(t, data, string(env.Data))
		})
	}
}

func TestDecode_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"wrong version", `{"v":2,"type":"x","topic":"t","data":{}}`},
		{"version as string", `{"v":"1","type":"x","topic":"t","data":{}}`},
		{"missing version", `{"type":"x","topic":"t","data":{}}`},
		{"missing topic and data", `{"type":"x"}`},
		{"missing data", `{"v":1,"type":"x","topic":"t"}`},
		{"empty type", `{"v":1,"type":"","topic":"t","data":{}}`},
		{"empty topic", `{"v":1,"type":"x","topic":"","data":{}}`},
		{"non-string type", `{"v":1,"type":7,"topic":"t","data":{}}`},
		{"non-string topic", `{"v":1,"type":"x","topic":["t"],"data":{}}`},
		{"not an object", `[1,2,3]`},
		{"not json", `hello there`},
		{"truncated json", `{"v":1,"type":"x"`},
		{"empty frame", ``},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := Decode([]byte(test.frame))
			require.Error(t, err)
			assert.True(t, errors.IsProtocol(err), "expected protocol error, got %v", err)
		})
	}
}

func TestNew_DefaultsToEmptyObject(t *testing.T) {
	env, err := New(TypeSubscribe, "chat.42", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(env.Data))

	frame, err := Encode(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"type":"subscribe","topic":"chat.42","data":{}}`, string(frame))
}

func TestNew_RejectsEmptyTopic(t *testing.T) {
	_, err := New("message", "", map[string]string{"text": "hi"})
	require.Error(t, err)
	assert.True(t, errors.IsProtocol(err))
}

func TestEncodeDecode_Payload(t *testing.T) {
	type chat struct {
		Author string `json:"author"`
		Text   string `json:"text"`
	}

	env, err := New("message", "chat.7", chat{Author: "ana", Text: "hello"})
	require.NoError(t, err)

	frame, err := Encode(env)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	var got chat
	require.NoError(t, decoded.Unmarshal(&got))
	assert.Equal(t, chat{Author: "ana", Text: "hello"}, got)
}

func TestEncode_FillsMissingData(t *testing.T) {
	frame, err := Encode(Envelope{Version: Version, Type: "ping", Topic: "system"})
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &raw))
	assert.JSONEq(t, `{}`, string(raw["data"]))
}

func TestEncode_RejectsWrongVersion(t *testing.T) {
	_, err := Encode(Envelope{Version: 2, Type: "x", Topic: "t", Data: json.RawMessage(`{}`)})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidVersion)
}
