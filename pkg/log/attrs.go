package log

import (
	"log/slog"
	"time"
)

func StepName[T ~string](name T) slog.Attr {
	return slog.String("step", string(name))
}

func Topic[T ~string](topic T) slog.Attr {
	return slog.String("topic", string(topic))
}

func Subscriber[T ~string](name T) slog.Attr {
	return slog.String("subscriber", string(name))
}

func TraceID[T ~string](id T) slog.Attr {
	return slog.String("trace_id", string(id))
}

func GroupID[T ~string](id T) slog.Attr {
	return slog.String("group_id", string(id))
}

func Key[T ~string](key T) slog.Attr {
	return slog.String("key", string(key))
}

func JobName[T ~string](name T) slog.Attr {
	return slog.String("job", string(name))
}

func InstanceID[T ~string](id T) slog.Attr {
	return slog.String("instance_id", string(id))
}

func Method[T ~string](method T) slog.Attr {
	return slog.String("method", string(method))
}

func Trigger[T ~string](kind T) slog.Attr {
	return slog.String("trigger", string(kind))
}

func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

func Delay(d time.Duration) slog.Attr {
	return slog.Duration("delay", d)
}

func Error(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return slog.String("error", msg)
}

func ErrorString(msg string) slog.Attr {
	return slog.String("error", msg)
}
