// Package log add logging utilities.
package log

import (
	"strings"
	"time"

	"replnet/internal/pkg/state"
	"replnet/internal/pkg/wire"

	"github.com/sirupsen/logrus"
)

// SetLogger sets the default logger's level.
func SetLogger(level string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = time.RFC3339
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	switch strings.ToLower(level) {
	case "trace":
		logrus.SetLevel(logrus.TraceLevel)
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "info":
		logrus.SetLevel(logrus.InfoLevel)
	case "warn":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.ErrorLevel)
	}
}

// MessageToFields renders a protocol message for structured logging.
func MessageToFields(msg wire.Message) logrus.Fields {
	if msg == nil {
		return logrus.Fields{"type": "<nil>"}
	}
	fields := logrus.Fields{"type": msg.Type().String()}
	switch m := msg.(type) {
	case wire.Hello:
		fields["client_id"] = m.ClientID
	case wire.Propose:
		fields["op"] = string(m.Op)
		fields["expected_version"] = m.ExpectedVersion
	case wire.Ack:
		fields["version"] = m.Version
	case wire.Update:
		fields["version"] = m.Version
		fields["op"] = string(m.Op)
		fields["value"] = m.Value
	case wire.Reject:
		fields["reason"] = m.Reason.String()
		fields["current_version"] = m.CurrentVersion
		if m.Detail != "" {
			fields["detail"] = m.Detail
		}
	case wire.Ping:
		fields["nonce"] = m.Nonce
	case wire.Pong:
		fields["nonce"] = m.Nonce
	}
	return fields
}

// EntryToFields renders a committed log entry for structured logging.
func EntryToFields(e state.Entry) logrus.Fields {
	return logrus.Fields{
		"version": e.Version,
		"op":      string(e.Op),
		"value":   e.Value,
	}
}
