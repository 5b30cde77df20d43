package protocol

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HsiangNianian/mup/internal/component"
)

func TestBuildStampsEnvelope(t *testing.T) {
	before := time.Now().UTC()
	m, err := Build(KindPing, Ping{Seq: 3})
	require.NoError(t, err)

	assert.Equal(t, Version, m.Version())
	assert.NotEmpty(t, m.ID())
	assert.Equal(t, KindPing, m.Kind())
	assert.False(t, m.Timestamp().Before(before))
	assert.Equal(t, `{"seq":3}`, string(m.Payload()))

	withID, err := Build(KindPing, nil, WithID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", withID.ID())
	assert.Equal(t, `{}`, string(withID.Payload()))
}

func TestBuildRejectsBadInput(t *testing.T) {
	_, err := Build(Kind("shout"), nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Build(KindPing, []int{1, 2})
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = Build(KindPing, map[string]any{"f": func() {}})
	assert.Error(t, err)
}

func TestPayloadIsACopy(t *testing.T) {
	m := MustBuild(KindPing, Ping{Seq: 1})
	p := m.Payload()
	p[0] = 'X'
	assert.Equal(t, `{"seq":1}`, string(m.Payload()))
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"syntax", `{"version":`, ErrMalformedMessage},
		{"not json", `hello`, ErrMalformedMessage},
		{"array", `[1,2]`, ErrInvalidEnvelope},
		{"missing id", `{"version":"1.0.0","timestamp":"2024-01-01T00:00:00Z","type":"ping","payload":{}}`, ErrInvalidEnvelope},
		{"numeric id", `{"version":"1.0.0","message_id":7,"timestamp":"2024-01-01T00:00:00Z","type":"ping","payload":{}}`, ErrInvalidEnvelope},
		{"bad time", `{"version":"1.0.0","message_id":"a","timestamp":"yesterday","type":"ping","payload":{}}`, ErrInvalidEnvelope},
		{"unknown kind", `{"version":"1.0.0","message_id":"a","timestamp":"2024-01-01T00:00:00Z","type":"shout","payload":{}}`, ErrInvalidEnvelope},
		{"payload array", `{"version":"1.0.0","message_id":"a","timestamp":"2024-01-01T00:00:00Z","type":"ping","payload":[]}`, ErrInvalidEnvelope},
		{"missing payload", `{"version":"1.0.0","message_id":"a","timestamp":"2024-01-01T00:00:00Z","type":"ping"}`, ErrInvalidEnvelope},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, CodeOf(tc.want), CodeOf(err))
		})
	}
}

func TestParseNormalisesWhitespace(t *testing.T) {
	raw := `{ "version": "1.0.0", "message_id": "m1", "timestamp": "2024-05-01T10:00:00.123456789+02:00",
		"type": "event-trigger", "payload": { "component_id": "btn", "event_type": "click" } }`
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, `{"component_id":"btn","event_type":"click"}`, string(m.Payload()))
	assert.Equal(t, time.UTC, m.Timestamp().Location())
	assert.Equal(t, 8, m.Timestamp().Hour())

	var ev EventTrigger
	require.NoError(t, m.Decode(&ev))
	assert.Equal(t, "btn", ev.ComponentID)
}

func TestRoundTripWithComponentTree(t *testing.T) {
	tree := component.New("root", "container",
		component.New("title", "text").WithProp("content", component.String("<b>hi</b> & bye")),
	)
	m, err := Build(KindComponentUpdate, ComponentUpdate{Component: tree})
	require.NoError(t, err)

	data, err := Marshal(m)
	require.NoError(t, err)
	back, err := Parse(data)
	require.NoError(t, err)
	assert.True(t, m.Equal(back))

	var update ComponentUpdate
	require.NoError(t, back.Decode(&update))
	assert.True(t, tree.Equal(update.Component))
}

func TestRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("parse(marshal(build(...))) reproduces the message", prop.ForAll(
		func(intent, action string, seq uint64, key, value string) bool {
			msgs := []Message{
				MustBuild(KindUIRequest, UIRequest{Intent: intent, Action: action, Context: map[string]any{key: value}}),
				MustBuild(KindPing, Ping{Seq: seq}),
				MustBuild(KindError, ErrorPayload{Code: CodeTimeout, Message: value}),
			}
			for _, m := range msgs {
				data, err := Marshal(m)
				if err != nil {
					return false
				}
				back, err := Parse(data)
				if err != nil || !back.Equal(m) {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.AlphaString(),
		gen.UInt64(),
		gen.Identifier(),
		gen.UnicodeString(unicode.L),
	))

	properties.TestingRun(t)
}

func TestCompatible(t *testing.T) {
	assert.NoError(t, Compatible("1.0.0"))
	assert.NoError(t, Compatible("1.4.2"))
	assert.ErrorIs(t, Compatible("2.0.0"), ErrUnsupportedVersion)
	assert.ErrorIs(t, Compatible("0.9.0"), ErrUnsupportedVersion)
	assert.ErrorIs(t, Compatible("banana"), ErrUnsupportedVersion)
}

func TestNegotiate(t *testing.T) {
	server := []string{"ui-request", "heartbeat", "component:text", "component:button"}
	got := Negotiate(server, []string{"component:button", "heartbeat", "telepathy"})
	assert.Equal(t, []string{"heartbeat", "component:button"}, got)
	assert.Equal(t, []string{"button"}, ComponentTypes(got))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeQueueFull, CodeOf(fmt.Errorf("enqueue: %w", ErrQueueFull)))
	assert.Equal(t, CodeTimeout, CodeOf(context.DeadlineExceeded))
	assert.Equal(t, CodeHandlerError, CodeOf(errors.New("boom")))

	e := NewError(CodeHandlerError, "handler failed", ErrAuthenticationFailed)
	assert.ErrorIs(t, e, ErrHandlerError)
	assert.ErrorIs(t, e, ErrAuthenticationFailed)
	p := e.Payload("req-1")
	assert.Equal(t, "AUTHENTICATION_FAILED", p.Cause)
	assert.Equal(t, "req-1", p.RequestID)
	assert.True(t, strings.HasPrefix(e.Error(), "HANDLER_ERROR"))
}
