package svc

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/zeromicro/go-zero/core/logx"
)

func TestLogxAdapterFields(t *testing.T) {
	base := newLogxAdapter()
	child := base.With(watermill.LogFields{"topic": "session_state", "handler": "a"})
	fields := child.(*logxAdapter).logFields(watermill.LogFields{"handler": "b", "uuid": "1"})
	assert.Equal(t, []logx.LogField{
		logx.Field("handler", "b"),
		logx.Field("topic", "session_state"),
		logx.Field("uuid", "1"),
	}, fields)
	assert.Empty(t, base.(*logxAdapter).fields)

	// must not panic on a nil error or nil fields
	child.Error("router failed", errors.New("boom"), nil)
	child.Info("router started", nil)
	child.Debug("handler added", nil)
	child.Trace("message acked", nil)
}
