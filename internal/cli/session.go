package cli

import (
	"context"
	"fmt"
	"io"
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/calvinalkan/rollq/internal/config"
	"github.com/calvinalkan/rollq/internal/metrics"
	"github.com/calvinalkan/rollq/pkg/queue"
)

// session holds what commands share during one invocation: the resolved
// config, the logger, and the queue, opened on first use. The shell runs
// many commands in one session.
type session struct {
	cfg     config.Config
	log     *zap.Logger
	reg     *prometheus.Registry
	metrics *metrics.Metrics
	q       *queue.Queue
	history string // shell history file
}

func newSession(cfg config.Config, errOut io.Writer) *session {
	reg := prometheus.NewRegistry()

	return &session{
		cfg:     cfg,
		log:     newLogger(errOut, cfg.Level()),
		reg:     reg,
		metrics: metrics.New(reg),
	}
}

// newLogger writes human-readable log lines to w.
func newLogger(w io.Writer, level zapcore.Level) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.Lock(zapcore.AddSync(w)), level)

	return zap.New(core)
}

// queue opens the configured queue once and returns it on later calls.
func (s *session) queue() (*queue.Queue, error) {
	if s.q != nil {
		return s.q, nil
	}

	opts, err := s.cfg.QueueOptions(s.log)
	if err != nil {
		return nil, err
	}

	opts.Metrics = s.metrics

	q, err := queue.Open(s.cfg.DirAbs, opts)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", s.cfg.DirAbs, err)
	}

	s.q = q

	return q, nil
}

func (s *session) close() {
	if s.q != nil {
		err := s.q.Close()
		if err != nil {
			s.log.Warn("Could not close queue", zap.String("path", s.cfg.DirAbs), zap.Error(err))
		}

		s.q = nil
	}

	_ = s.log.Sync()
}

// dispatch runs the command named by args[0]. exclude lists commands that
// are not available in this context.
func (s *session) dispatch(ctx context.Context, o *IO, args []string, exclude ...string) int {
	name := args[0]

	cmd := findCommand(commands(s), name)
	if cmd == nil || slices.Contains(exclude, name) {
		o.ErrPrintln("error:", fmt.Errorf("%w: %s", ErrUnknownCommand, name))

		return 1
	}

	return cmd.Run(ctx, o, args[1:])
}
