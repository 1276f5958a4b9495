package svc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/juju/errors"
	"github.com/zeromicro/go-zero/core/logx"
)

const (
	TopicSessionState = "session_state"

	handlerNameSessionLog = "session_log"
)

// StateEvent is published on TopicSessionState for every session
// transition.
type StateEvent struct {
	SessionID string    `json:"session_id"`
	Hash      string    `json:"hash"`
	State     string    `json:"state"`
	Verified  uint32    `json:"verified"`
	Total     uint32    `json:"total"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func NewStateEvent(s *Session) *StateEvent {
	verified, total := s.Progress()
	ev := &StateEvent{
		SessionID: s.ID,
		Hash:      s.Hash.String(),
		State:     s.State().String(),
		Verified:  verified,
		Total:     total,
		At:        time.Now(),
	}
	if err := s.Err(); err != nil {
		ev.Error = err.Error()
	}
	return ev
}

func DecodeStateEvent(msg *message.Message) (*StateEvent, error) {
	ev := &StateEvent{}
	err := json.Unmarshal(msg.Payload, ev)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ev, nil
}

// EventLog is the in-process pub/sub carrying session events. Its router
// logs every transition and keeps the session metrics.
type EventLog struct {
	ctx    context.Context
	cancel context.CancelFunc
	pubsub *gochannel.GoChannel
	router *message.Router
}

func InjectEvents(svcCtx *ServiceContext) {
	events, err := NewEventLog(context.Background())
	if err != nil {
		logx.Errorf("Failed to initialize event log. %v", err)
		panic(err)
	}
	svcCtx.Events = events
}

func NewEventLog(ctx context.Context) (*EventLog, error) {
	logger := newLogxAdapter()
	pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ret := &EventLog{
		pubsub: pubsub,
		router: router,
	}
	ret.ctx, ret.cancel = context.WithCancel(ctx)
	router.AddNoPublisherHandler(handlerNameSessionLog, TopicSessionState, pubsub, ret.consumeState)
	return ret, nil
}

func (e *EventLog) Publish(s *Session) {
	raw, err := json.Marshal(NewStateEvent(s))
	if err != nil {
		logx.Errorf("Failed to marshal session event: %+v", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), raw)
	err = e.pubsub.Publish(TopicSessionState, msg)
	if err != nil {
		logx.Debugf("Failed to publish session event of %s: %v", s.Hash, err)
	}
}

// Subscribe streams session events until ctx is done. Every message must
// be acked.
func (e *EventLog) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := e.pubsub.Subscribe(ctx, TopicSessionState)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ch, nil
}

func (e *EventLog) consumeState(msg *message.Message) error {
	ev, err := DecodeStateEvent(msg)
	if err != nil {
		return errors.Trace(err)
	}
	metricSessionCounter.Inc(ev.State)
	if ev.Error != "" {
		logx.Infof("Session %s of %s: %s %d/%d (%s)", ev.SessionID, ev.Hash, ev.State, ev.Verified, ev.Total, ev.Error)
	} else {
		logx.Infof("Session %s of %s: %s %d/%d", ev.SessionID, ev.Hash, ev.State, ev.Verified, ev.Total)
	}
	return nil
}

// Running is closed once the router has subscribed.
func (e *EventLog) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventLog) Start() {
	err := e.router.Run(e.ctx)
	if err != nil {
		logx.Errorf("Router error: %+v", err)
	}
}

func (e *EventLog) Stop() {
	e.cancel()
	e.router.Close()
	e.pubsub.Close()
}
