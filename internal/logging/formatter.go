package logging

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ANSI color codes for terminal output, matching the project's original
// hand-rolled palette.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

const timestampFormat = "2006-01-02 15:04:05"

// textFormatter renders "timestamp [LEVEL]  message" lines, the same
// shape the project's logger has always produced, with STATS rendered
// distinctly from plain INFO when the kind=stats field is present.
type textFormatter struct {
	useColor bool
}

func (f *textFormatter) Format(e *logrus.Entry) ([]byte, error) {
	var buf bytes.Buffer

	ts := e.Time.Format(timestampFormat)
	levelStr, color := levelLabel(e)

	if f.useColor {
		fmt.Fprintf(&buf, "%s [%s%s%s]  %s\n", ts, color, levelStr, colorReset, e.Message)
	} else {
		fmt.Fprintf(&buf, "%s [%s]  %s\n", ts, levelStr, e.Message)
	}
	return buf.Bytes(), nil
}

func levelLabel(e *logrus.Entry) (label, color string) {
	if kind, ok := e.Data["kind"]; ok && kind == "stats" {
		return "STATS", colorBold
	}
	switch e.Level {
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		return "ERROR", colorRed
	case logrus.WarnLevel:
		return "WARN", colorYellow
	case logrus.InfoLevel:
		return "INFO", colorGreen
	case logrus.DebugLevel:
		return "DEBUG", colorCyan
	case logrus.TraceLevel:
		return "TRACE", colorGray
	default:
		return "INFO", colorGreen
	}
}
