package agent

import (
	"context"
	stdErrors "errors"
	"strings"
	"unicode/utf8"

	xerrors "ChainPilot/internal/errors"
)

const maxFailureMessage = 280

// NormalizeFailure 把任意错误转换为适合写入时间线的单行描述。
func NormalizeFailure(err error) string {
	if err == nil {
		return ""
	}
	var text string
	switch e, ok := xerrors.From(err); {
	case ok:
		text = e.Message()
		if cause := e.Unwrap(); cause != nil {
			text += ": " + cause.Error()
		}
	case stdErrors.Is(err, context.DeadlineExceeded):
		text = xerrors.AttributesOf(xerrors.CodeTimeout).Message
	default:
		text = err.Error()
	}

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		text = xerrors.AttributesOf(xerrors.CodeUnknown).Message
	}
	if utf8.RuneCountInString(text) > maxFailureMessage {
		text = string([]rune(text)[:maxFailureMessage]) + "..."
	}
	return text
}
