package svc

import (
	"sort"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/zeromicro/go-zero/core/logx"
)

// logxAdapter sends watermill's router and pub/sub logs through logx.
type logxAdapter struct {
	fields watermill.LogFields
}

func newLogxAdapter() watermill.LoggerAdapter {
	return &logxAdapter{fields: watermill.LogFields{}}
}

func (l *logxAdapter) Error(msg string, err error, fields watermill.LogFields) {
	logx.Errorw(msg, append(l.logFields(fields), logx.Field("err", err))...)
}

func (l *logxAdapter) Info(msg string, fields watermill.LogFields) {
	logx.Infow(msg, l.logFields(fields)...)
}

func (l *logxAdapter) Debug(msg string, fields watermill.LogFields) {
	logx.Debugw(msg, l.logFields(fields)...)
}

func (l *logxAdapter) Trace(msg string, fields watermill.LogFields) {
	logx.Debugw(msg, l.logFields(fields)...)
}

func (l *logxAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &logxAdapter{fields: l.fields.Add(fields)}
}

func (l *logxAdapter) logFields(fields watermill.LogFields) []logx.LogField {
	all := l.fields.Add(fields)
	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ret := make([]logx.LogField, 0, len(keys))
	for _, k := range keys {
		ret = append(ret, logx.Field(k, all[k]))
	}
	return ret
}
