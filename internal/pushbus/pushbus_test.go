package pushbus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestHandleMsg_DeliversPayload(t *testing.T) {
	var got []byte
	s := &Subscriber{
		handle: func(ctx context.Context, payload []byte) error {
			_, hasDeadline := ctx.Deadline()
			assert.True(t, hasDeadline)
			got = payload
			return nil
		},
		log:     zerolog.Nop(),
		timeout: time.Second,
	}
	s.handleMsg(&nats.Msg{Subject: "clinic.push", Data: []byte(`{"title":"Oi"}`)})
	assert.Equal(t, `{"title":"Oi"}`, string(got))
}

func TestHandleMsg_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	s := &Subscriber{
		handle:  func(context.Context, []byte) error { return errors.New("display down") },
		log:     zerolog.New(&buf),
		timeout: time.Second,
	}
	s.handleMsg(&nats.Msg{Subject: "clinic.push"})
	assert.Contains(t, buf.String(), "display down")
}

func TestSubscribe_BadURL(t *testing.T) {
	_, err := Subscribe("nats://127.0.0.1:1", "clinic.push", func(context.Context, []byte) error { return nil }, zerolog.Nop())
	assert.Error(t, err)
}

func TestClose_Unconnected(t *testing.T) {
	assert.NoError(t, (&Subscriber{}).Close())
}
