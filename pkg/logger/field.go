package logger

import (
	"time"

	"github.com/rs/zerolog"
)

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) apply(e *zerolog.Event) {
	switch v := f.Value.(type) {
	case string:
		e.Str(f.Key, v)
	case int:
		e.Int(f.Key, v)
	case int64:
		e.Int64(f.Key, v)
	case float64:
		e.Float64(f.Key, v)
	case bool:
		e.Bool(f.Key, v)
	case time.Duration:
		e.Dur(f.Key, v)
	case []string:
		e.Strs(f.Key, v)
	case error:
		e.AnErr(f.Key, v)
	default:
		e.Interface(f.Key, v)
	}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Float64(key string, value float64) Field        { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Strings(key string, value []string) Field       { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }

// Error keys the error under "error".
func Error(err error) Field { return Field{zerolog.ErrorFieldName, err} }
