package infra

import (
	"fmt"
	"io"
	"path"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// References:
// https://github.com/pkg/errors/blob/master/stack.go

type Frame uintptr

func (frame Frame) pc() uintptr {
	return uintptr(frame) - 1
}

func (frame Frame) file() string {
	pc := frame.pc()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknownFile"
	}
	f, _ := fn.FileLine(pc)
	return f
}

func (frame Frame) line() int {
	pc := frame.pc()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return 0
	}
	_, l := fn.FileLine(pc)
	return l
}

func (frame Frame) name() string {
	pc := frame.pc()
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "unknownFunc"
	}
	return fn.Name()
}

// Format characters:
// %s - source file
// %d - source line
// %n - function name
// %v - verbose, equivalent to %s:%d
// %+s - full path, the root path is relative to the compile time GOPATH
// separated by \n\t (<function-name>\n\t<path>)
// %+v - equivalent to %+s:%d
func (frame Frame) Format(s fmt.State, verb rune) {
	switch verb {
	case 's':
		if s.Flag('+') {
			_, _ = io.WriteString(s, frame.name())
			_, _ = io.WriteString(s, "\n\t")
			_, _ = io.WriteString(s, frame.file())
		} else {
			_, _ = io.WriteString(s, path.Base(frame.file()))
		}
	case 'd':
		_, _ = io.WriteString(s, strconv.Itoa(frame.line()))
	case 'n':
		_, _ = io.WriteString(s, funcName(frame.name()))
	case 'v':
		frame.Format(s, 's')
		_, _ = io.WriteString(s, ":")
		frame.Format(s, 'd')
	}
}

// For fmt.Sprintf("%+v", frame).
// If json.Marshaler interface isn't implemented, the MarshalText method is used.
func (frame Frame) MarshalText() ([]byte, error) {
	name := frame.name()
	if name == "unknownFunc" {
		return []byte("unknownFrame"), nil
	}
	builder := strings.Builder{}
	_, _ = builder.WriteString(name)
	_, _ = builder.WriteString(" ")
	_, _ = builder.WriteString(frame.file())
	_, _ = builder.WriteString(":")
	_, _ = builder.WriteString(strconv.Itoa(frame.line()))
	return []byte(builder.String()), nil
}

func (frame Frame) MarshalJSON() ([]byte, error) {
	name := frame.name()
	if name == "unknownFunc" {
		return []byte("{\"frame\":\"unknownFrame\"}"), nil
	}
	builder := strings.Builder{}
	_, _ = builder.WriteString("{")
	_, _ = builder.WriteString("\"func\":\"")
	_, _ = builder.WriteString(name)
	_, _ = builder.WriteString("\",")
	_, _ = builder.WriteString("\"fileAndLine\":\"")
	_, _ = builder.WriteString(frame.file())
	_, _ = builder.WriteString(":")
	_, _ = builder.WriteString(strconv.Itoa(frame.line()))
	_, _ = builder.WriteString("\"}")
	return []byte(builder.String()), nil
}

func funcName(name string) string {
	i := strings.LastIndex(name, "/")
	name = name[i+1:]
	i = strings.Index(name, ".")
	return name[i+1:]
}

// ErrorStack records the frames where an error was created, so the
// logger is able to print the stack as a JSON array instead of the
// zap plain text stack trace.
type ErrorStack interface {
	error
	zapcore.ObjectMarshaler
	Unwrap() []error
}

var _ ErrorStack = (*errorStack)(nil)

const maxErrorStackDepth = 32

type errorStack struct {
	msg      string
	upstream error
	frames   []Frame
}

func callers(skip int) []Frame {
	var pcs [maxErrorStackDepth]uintptr
	n := runtime.Callers(skip, pcs[:])
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, Frame(pcs[i]))
	}
	return frames
}

func (es *errorStack) Error() string {
	if es.upstream == nil {
		return es.msg
	}
	if len(es.msg) == 0 {
		return es.upstream.Error()
	}
	return es.msg + ", caused by: " + es.upstream.Error()
}

// Unwrap supports errors.Is and errors.As over all the combined causes.
func (es *errorStack) Unwrap() []error {
	return multierr.Errors(es.upstream)
}

func (es *errorStack) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("error", es.Error())
	return enc.AddArray("errorStack", zapcore.ArrayMarshalerFunc(func(arr zapcore.ArrayEncoder) error {
		for _, frame := range es.frames {
			txt, err := frame.MarshalText()
			if err != nil {
				return err
			}
			arr.AppendString(string(txt))
		}
		return nil
	}))
}

// Format characters:
// %s, %v - error message
// %+v - error message and the frames, separated by \n
func (es *errorStack) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		_, _ = io.WriteString(s, es.Error())
		if s.Flag('+') {
			for _, frame := range es.frames {
				_, _ = io.WriteString(s, "\n")
				frame.Format(s, verb)
			}
		}
	case 's':
		_, _ = io.WriteString(s, es.Error())
	case 'q':
		_, _ = fmt.Fprintf(s, "%q", es.Error())
	}
}

func NewErrorStack(errMsg string) error {
	return &errorStack{
		msg:    errMsg,
		frames: callers(3),
	}
}

// WrapErrorStack keeps the frames of err if it has been captured already.
func WrapErrorStack(err error) error {
	if err == nil {
		return nil
	}
	if es, ok := err.(*errorStack); ok {
		return es
	}
	return &errorStack{
		upstream: err,
		frames:   callers(3),
	}
}

func WrapErrorStackWithMessage(err error, errMsg string) error {
	if err == nil {
		return nil
	}
	return &errorStack{
		msg:      errMsg,
		upstream: err,
		frames:   callers(3),
	}
}

// AppendErrorStack combines errs into es. A nil es starts a new stack
// at the caller.
func AppendErrorStack(es error, errs ...error) error {
	if len(errs) == 0 {
		return es
	}
	merr := multierr.Combine(errs...)
	if merr == nil {
		return es
	}
	if es == nil {
		return &errorStack{
			upstream: merr,
			frames:   callers(3),
		}
	}
	if _es, ok := es.(*errorStack); ok {
		_es.upstream = multierr.Append(_es.upstream, merr)
		return _es
	}
	return &errorStack{
		upstream: multierr.Append(es, merr),
		frames:   callers(3),
	}
}
