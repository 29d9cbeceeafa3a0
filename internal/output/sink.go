package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mevwatch/internal/config"
	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
)

// 输出类型
const (
	SinkLog      = "log"
	SinkKafka    = "kafka"
	SinkPostgres = "postgres"
	SinkFile     = "file"
	SinkMulti    = "multi"
)

// Sink 告警分发目标，需要能容忍至少一次投递
type Sink interface {
	Name() string
	Send(ctx context.Context, op *models.Opportunity) error
	Close() error
}

// NewSink 按配置创建分发目标，多个目标时返回MultiSink
func NewSink(cfg *config.OutputConfig, logger *logrus.Logger) (Sink, error) {
	if cfg == nil || len(cfg.Sinks) == 0 {
		return NewLogSink(logger), nil
	}

	sinks := make([]Sink, 0, len(cfg.Sinks))
	closeAll := func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}

	for _, name := range cfg.Sinks {
		var (
			sink Sink
			err  error
		)
		switch name {
		case SinkLog:
			sink = NewLogSink(logger)
		case SinkKafka:
			sink, err = NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
		case SinkPostgres:
			sink, err = NewPostgresSink(cfg.Postgres.DSN, cfg.Postgres.Table, logger)
		case SinkFile:
			sink, err = NewFileSink(cfg.File.Directory, config.ParseDuration(cfg.File.FlushInterval, time.Second), logger)
		default:
			err = errors.ErrConfigInvalid.New().WithContext("sink", name)
		}
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("创建输出 %s 失败: %w", name, err)
		}
		sinks = append(sinks, sink)
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return NewMultiSink(logger, sinks...), nil
}

// sinkError 统一包装为带组件名的分发错误
func sinkError(name string, err error) error {
	if err == nil {
		return nil
	}
	if we, ok := errors.As(err); ok && we.Component != "" {
		return err
	}
	return errors.ErrSinkFailed.Wrap(err).WithComponent(name)
}

// FailedSinks 从Send返回的错误中提取失败的目标名
func FailedSinks(err error) []string {
	if err == nil {
		return nil
	}

	var errs []error
	if merr, ok := err.(*multierror.Error); ok {
		errs = merr.Errors
	} else {
		errs = []error{err}
	}

	names := make([]string, 0, len(errs))
	for _, e := range errs {
		if we, ok := errors.As(e); ok && we.Component != "" {
			names = append(names, we.Component)
		} else {
			names = append(names, "unknown")
		}
	}
	return names
}

// LogSink 以结构化日志输出告警
type LogSink struct {
	logger *logrus.Logger
}

// NewLogSink 创建日志输出
func NewLogSink(logger *logrus.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return SinkLog }

// Send 写日志，级别随告警严重程度提升
func (s *LogSink) Send(_ context.Context, op *models.Opportunity) error {
	entry := s.logger.WithFields(logrus.Fields{
		"component":   "output",
		"id":          op.ID,
		"kind":        op.Kind,
		"chain_id":    op.ChainID,
		"source":      op.Source,
		"detector_id": op.DetectorID,
		"severity":    op.Severity,
		"magnitude":   op.Magnitude.String(),
		"revision":    op.Revision,
	})
	if len(op.EvidencePools) > 0 {
		entry = entry.WithField("pools", op.EvidencePools)
	}

	if op.Severity.Rank() >= models.SeverityHigh.Rank() {
		entry.Warn("发现高价值机会")
	} else {
		entry.Info("发现机会")
	}
	return nil
}

func (s *LogSink) Close() error { return nil }

// MultiSink 扇出到多个目标，单个目标失败不影响其他目标
type MultiSink struct {
	logger *logrus.Logger
	sinks  []Sink
}

// NewMultiSink 创建扇出输出
func NewMultiSink(logger *logrus.Logger, sinks ...Sink) *MultiSink {
	return &MultiSink{logger: logger, sinks: sinks}
}

func (m *MultiSink) Name() string { return SinkMulti }

// Send 并行发送到所有目标，汇总全部错误
func (m *MultiSink) Send(ctx context.Context, op *models.Opportunity) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)

	for _, sink := range m.sinks {
		wg.Add(1)
		go func(sink Sink) {
			defer wg.Done()
			if err := sink.Send(ctx, op); err != nil {
				mu.Lock()
				result = multierror.Append(result, sinkError(sink.Name(), err))
				mu.Unlock()
			}
		}(sink)
	}
	wg.Wait()

	return result.ErrorOrNil()
}

// Close 关闭所有目标
func (m *MultiSink) Close() error {
	var result *multierror.Error
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			m.logger.WithError(err).Errorf("关闭输出 %s 失败", sink.Name())
			result = multierror.Append(result, sinkError(sink.Name(), err))
		}
	}
	return result.ErrorOrNil()
}

// Sinks 子目标列表
func (m *MultiSink) Sinks() []Sink {
	return m.sinks
}
