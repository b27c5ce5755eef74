package logx

import (
	"time"

	"github.com/rs/zerolog"
)

// Field mutates a zerolog event. Later fields win on duplicate keys.
type Field func(e *zerolog.Event)

// Comp tags the emitting component; every package logger carries one.
func Comp(name string) Field {
	return String("comp", name)
}

// Job names the job a line is about.
func Job(name string) Field {
	return String("job", name)
}

// Slot is the occurrence key of a schedule.
func Slot(key string) Field {
	return String("slot", key)
}

func String(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, v) }
}

func Int(k string, v int) Field {
	return func(e *zerolog.Event) { e.Int(k, v) }
}

func Int64(k string, v int64) Field {
	return func(e *zerolog.Event) { e.Int64(k, v) }
}

func Uint64(k string, v uint64) Field {
	return func(e *zerolog.Event) { e.Uint64(k, v) }
}

func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}

func Bool(k string, v bool) Field {
	return func(e *zerolog.Event) { e.Bool(k, v) }
}

func Strings(k string, v []string) Field {
	return func(e *zerolog.Event) { e.Strs(k, v) }
}

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

func Any(k string, v any) Field {
	return func(e *zerolog.Event) { e.Interface(k, v) }
}

// Err is a no-op for nil errors.
func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}
