package logger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance wrapper
var Log *Logger

// ErrInvalidSeverity is returned when a caller asks for a severity outside
// Header, Info, Warning and Error.
var ErrInvalidSeverity = errors.New("severity has to be one of: Header, Info, Warning, Error")

// Severity is one of the four channels of the console log.
type Severity int

const (
	SeverityHeader Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

const headerLevelValue = "header"

func (s Severity) String() string {
	switch s {
	case SeverityHeader:
		return "Header"
	case SeverityInfo:
		return "Info"
	case SeverityWarning:
		return "Warning"
	case SeverityError:
		return "Error"
	default:
		return fmt.Sprintf("Severity(%d)", int(s))
	}
}

// ParseSeverity maps a severity name to its value. Matching is case-insensitive.
func ParseSeverity(name string) (Severity, error) {
	switch strings.ToLower(name) {
	case "header":
		return SeverityHeader, nil
	case "info":
		return SeverityInfo, nil
	case "warning", "warn":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	default:
		return 0, fmt.Errorf("%w (got %q)", ErrInvalidSeverity, name)
	}
}

type Logger struct {
	z       zerolog.Logger
	prompt  zerolog.Logger
	verbose bool
}

func init() {
	Log = New(os.Stderr, true, "console")
}

// New builds a logger writing to w. When verbose is false every severity is
// suppressed; Prompt still writes.
func New(w io.Writer, verbose bool, format string) *Logger {
	var out io.Writer = w
	if strings.ToLower(format) != "json" {
		out = consoleWriter(w)
	}
	z := zerolog.New(out).With().Timestamp().Logger()
	l := &Logger{z: z, prompt: z, verbose: verbose}
	if !verbose {
		l.z = z.Level(zerolog.Disabled)
	}
	return l
}

// Setup configures the global logger
func Setup(level string, format string) {
	var logLevel zerolog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		logLevel = zerolog.DebugLevel
	case "WARN":
		logLevel = zerolog.WarnLevel
	case "ERROR":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)
	Log = New(os.Stderr, true, format)
}

// Verbose reports whether the logger emits the regular severities.
func (l *Logger) Verbose() bool {
	return l.verbose
}

// Log writes msg on the requested channel.
func (l *Logger) Log(sev Severity, msg string, args ...interface{}) error {
	switch sev {
	case SeverityHeader:
		l.Header(msg, args...)
	case SeverityInfo:
		l.Info(msg, args...)
	case SeverityWarning:
		l.Warn(msg, args...)
	case SeverityError:
		l.Error(msg, args...)
	default:
		return fmt.Errorf("%w (got %v)", ErrInvalidSeverity, sev)
	}
	return nil
}

// LogNamed is Log with the severity given by name.
func (l *Logger) LogNamed(severity string, msg string, args ...interface{}) error {
	sev, err := ParseSeverity(severity)
	if err != nil {
		return err
	}
	return l.Log(sev, msg, args...)
}

// Header logs a section banner. Rendered upper-case at Info priority.
func (l *Logger) Header(msg string, args ...interface{}) {
	if !l.verbose || zerolog.GlobalLevel() > zerolog.InfoLevel {
		return
	}
	e := l.z.Log().Str(zerolog.LevelFieldName, headerLevelValue)
	addFields(e, args...)
	e.Msg(strings.ToUpper(msg))
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	e := l.z.Info()
	addFields(e, args...)
	e.Msg(msg)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	e := l.z.Debug()
	addFields(e, args...)
	e.Msg(msg)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	e := l.z.Warn()
	addFields(e, args...)
	e.Msg(msg)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	e := l.z.Error()
	addFields(e, args...)
	e.Msg(msg)
}

// Prompt writes a warning that gates an irreversible action. It ignores
// the verbosity switch and the global level.
func (l *Logger) Prompt(msg string, args ...interface{}) {
	e := l.prompt.Log().Str(zerolog.LevelFieldName, zerolog.LevelWarnValue)
	addFields(e, args...)
	e.Msg(msg)
}

// addFields adds variadic key-value pairs to the event
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			key, ok := args[i].(string)
			if !ok {
				key = fmt.Sprintf("%v", args[i])
			}
			e.Interface(key, args[i+1])
		}
	}
}

const (
	colorHeader  = "\x1b[95;1m"
	colorInfo    = "\x1b[94m"
	colorWarning = "\x1b[93m"
	colorError   = "\x1b[91m"
	colorReset   = "\x1b[0m"
)

func consoleWriter(w io.Writer) zerolog.ConsoleWriter {
	noColor := true
	if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
			noColor = false
		}
	}
	return zerolog.ConsoleWriter{
		Out:         w,
		TimeFormat:  time.RFC3339,
		NoColor:     noColor,
		FormatLevel: levelFormatter(noColor),
	}
}

func levelFormatter(noColor bool) zerolog.Formatter {
	return func(i interface{}) string {
		level, _ := i.(string)
		var tag, color string
		switch level {
		case headerLevelValue:
			tag, color = "HDR", colorHeader
		case zerolog.LevelInfoValue:
			tag, color = "INF", colorInfo
		case zerolog.LevelWarnValue:
			tag, color = "WRN", colorWarning
		case zerolog.LevelErrorValue:
			tag, color = "ERR", colorError
		case zerolog.LevelDebugValue:
			tag = "DBG"
		default:
			tag = "???"
		}
		if noColor || color == "" {
			return tag
		}
		return color + tag + colorReset
	}
}
