// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package output routes the messages of the module and its tools to writers or to the log. Every
// processor may write concurrently, so each message is written whole.
package output

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/logger"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

var (
	// ErrNoContext is returned when FromContext cannot find an output.Options in the context.
	ErrNoContext = errors.New("no output context found")

	stdoutTty  *typeWriter
	discardTty *typeWriter

	// writeMu serializes messages from different processors.
	writeMu sync.Mutex
)

const (
	warningPrefix = "WARNING: "
	errorPrefix   = "ERROR: "
	debugPrefix   = "DEBUG: "
)

// Options controls the meaning of output modalities.
type Options struct {
	Quiet   bool
	Verbose bool
	UseLogs bool
	// Out receives info, warning and error messages. Nil means stdout.
	Out io.Writer
	// Err receives debug messages when not Verbose. Nil discards them.
	Err io.Writer
}

// AddFlags adds flags specific to the Options object to the given command.
func (opts *Options) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&opts.Quiet, "quiet", false,
		"Print nothing if command is successful")
	cmd.PersistentFlags().BoolVar(&opts.Verbose, "verbose", false,
		"Print debug messages, such as every AP creation request")
	cmd.PersistentFlags().BoolVar(&opts.UseLogs, "use_logs", false,
		"Print messages to log instead of stdout/stderr")
}

// Validate returns an error if the Options values are incompatible.
func (opts *Options) Validate(cmd *cobra.Command) error {
	if opts.Quiet && opts.Verbose {
		return fmt.Errorf("cannot specify both --quiet and --verbose")
	}
	cmd.SilenceUsage = true
	return nil
}

type outputKeyType struct{}

var outputKey outputKeyType

// NewContext returns ctx extended with opts added.
func NewContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, outputKey, opts)
}

// FromContext returns the Options value in ctx if it exists.
func FromContext(ctx context.Context) (*Options, error) {
	opts, ok := ctx.Value(outputKey).(*Options)
	if !ok {
		return nil, ErrNoContext
	}
	return opts, nil
}

type typeWriter struct {
	w     io.Writer
	istty bool
}

func (tw *typeWriter) printf(format string, args ...any) (int, error) {
	writeMu.Lock()
	defer writeMu.Unlock()
	return fmt.Fprintf(tw.w, format, args...)
}

type statWriter interface {
	Write(p []byte) (n int, err error)
	Stat() (os.FileInfo, error)
}

func isTty(w statWriter) bool {
	s, err := w.Stat()
	return err == nil && s != nil && (s.Mode()&os.ModeCharDevice) == os.ModeCharDevice
}

func init() {
	stdoutTty = &typeWriter{w: os.Stdout, istty: isTty(os.Stdout)}
	discardTty = &typeWriter{w: &discard{}, istty: false}
}

// output is the sink for standard messages. Library code called without output options, as on
// a processor that has no console, writes nothing.
func output(ctx context.Context) *typeWriter {
	opts, err := FromContext(ctx)
	if err != nil || opts.Quiet {
		return discardTty
	}
	if opts.UseLogs {
		return nil
	}
	if opts.Out != nil {
		return &typeWriter{w: opts.Out}
	}
	return stdoutTty
}

// debug is the verbose sink.
func debug(ctx context.Context) *typeWriter {
	opts, err := FromContext(ctx)
	if err != nil {
		return discardTty
	}
	if opts.UseLogs {
		return nil
	}
	if opts.Verbose {
		return output(ctx)
	}
	if opts.Err != nil {
		return &typeWriter{w: opts.Err}
	}
	return discardTty
}

type discard struct{}

func (*discard) Write([]byte) (int, error) { return 0, nil }

type ansiColor int

const (
	red    ansiColor = 31
	yellow ansiColor = 33
)

// https://en.wikipedia.org/wiki/ANSI_escape_code
func fancyText(w *typeWriter, color ansiColor, txt string) string {
	if w.istty {
		return fmt.Sprintf("\033[1;%dm%s\033[0m", color, txt)
	}
	return txt
}

// Infof writes a formatted string with a newline to the Output modality.
func Infof(ctx context.Context, format string, args ...any) (int, error) {
	if cw := output(ctx); cw != nil {
		return cw.printf(format+"\n", args...)
	}
	logger.Infof(format, args...)
	return 1, nil
}

// Warningf writes a formatted string with a newline to the Output modality, prefixed by a warning
// message.
func Warningf(ctx context.Context, format string, args ...any) (int, error) {
	if cw := output(ctx); cw != nil {
		return cw.printf(fancyText(cw, yellow, warningPrefix)+format+"\n", args...)
	}
	logger.Warningf(format, args...)
	return 1, nil
}

// Errorf writes a formatted string with a newline to the Output modality, prefixed by an error
// message.
func Errorf(ctx context.Context, format string, args ...any) (int, error) {
	if cw := output(ctx); cw != nil {
		return cw.printf(fancyText(cw, red, errorPrefix)+format+"\n", args...)
	}
	logger.Errorf(format, args...)
	return 1, nil
}

// In OSS, there is no Boolean condition for whether a particular verbosity level is active, so this
// type uses delayed string rendering to determine if logging occurred.
type onRender struct{ wasRendered bool }

func (o *onRender) String() string {
	o.wasRendered = true
	return ""
}

// Debugf writes a formatted string with a newline to the Debug modality.
func Debugf(ctx context.Context, format string, args ...any) (int, error) {
	if cw := debug(ctx); cw != nil {
		return cw.printf(debugPrefix+format+"\n", args...)
	}
	var w onRender
	logger.V(1).Infof(format+"%v", append(args, &w))
	if w.wasRendered {
		return 1, nil
	}
	return 0, nil
}

// Fatalf reports a condition the module cannot recover from and exits.
func Fatalf(ctx context.Context, format string, args ...any) {
	if cw := output(ctx); cw != nil && cw != discardTty {
		cw.printf(fancyText(cw, red, errorPrefix)+format+"\n", args...)
	}
	logger.Fatalf(format, args...)
}
