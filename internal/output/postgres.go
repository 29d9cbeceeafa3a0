package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	"mevwatch/internal/errors"
	"mevwatch/internal/retry"
	"mevwatch/pkg/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DefaultOpportunityTable 告警表默认名称
const DefaultOpportunityTable = "mev_opportunities"

var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresSink 告警落库。以告警ID为主键，同一告警的新修订覆盖旧修订
type PostgresSink struct {
	db      *sql.DB
	table   string
	retrier *retry.Retrier
	logger  *logrus.Logger

	upsertQuery string
}

// NewPostgresSink 连接数据库并确保表存在
func NewPostgresSink(dsn, table string, logger *logrus.Logger) (*PostgresSink, error) {
	if table == "" {
		table = DefaultOpportunityTable
	}
	if !tableNameRegex.MatchString(table) {
		return nil, errors.ErrConfigInvalid.New().WithComponent(SinkPostgres).WithContext("table", table)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.ErrDatabaseWriteFailed.Wrap(fmt.Errorf("连接数据库失败: %w", err)).WithComponent(SinkPostgres)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.ErrDatabaseWriteFailed.Wrap(fmt.Errorf("数据库连接测试失败: %w", err)).WithComponent(SinkPostgres)
	}

	sink := newPostgresSink(db, table, logger)
	if err := sink.EnsureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infof("PostgreSQL输出已初始化，表: %s", table)
	return sink, nil
}

func newPostgresSink(db *sql.DB, table string, logger *logrus.Logger) *PostgresSink {
	return &PostgresSink{
		db:          db,
		table:       table,
		retrier:     retry.NewRetrier(retry.SinkRetryConfig, logger),
		logger:      logger,
		upsertQuery: upsertQuery(table),
	}
}

// EnsureSchema 创建告警表
func (p *PostgresSink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id             TEXT PRIMARY KEY,
			kind           TEXT NOT NULL,
			chain_id       BIGINT NOT NULL,
			source         TEXT NOT NULL,
			detector_id    TEXT NOT NULL,
			severity       TEXT NOT NULL,
			magnitude      NUMERIC NOT NULL,
			evidence_txs   JSONB NOT NULL DEFAULT '[]',
			evidence_pools JSONB NOT NULL DEFAULT '[]',
			details        JSONB NOT NULL DEFAULT '{}',
			created_at     TIMESTAMPTZ NOT NULL,
			observed_at    TIMESTAMPTZ,
			superseded     BOOLEAN NOT NULL DEFAULT false,
			supersedes_id  TEXT NOT NULL DEFAULT '',
			revision       INTEGER NOT NULL DEFAULT 0
		)`, p.table)

	if _, err := p.db.ExecContext(ctx, query); err != nil {
		return errors.ErrDatabaseWriteFailed.Wrap(fmt.Errorf("创建告警表失败: %w", err)).WithComponent(SinkPostgres)
	}
	return nil
}

// upsertQuery 只接受更高的修订号，重试或乱序写入不会回退已有记录
func upsertQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %s (id, kind, chain_id, source, detector_id, severity, magnitude,
			evidence_txs, evidence_pools, details, created_at, observed_at, superseded, supersedes_id, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			severity = EXCLUDED.severity,
			magnitude = EXCLUDED.magnitude,
			evidence_txs = EXCLUDED.evidence_txs,
			evidence_pools = EXCLUDED.evidence_pools,
			details = EXCLUDED.details,
			superseded = EXCLUDED.superseded,
			supersedes_id = EXCLUDED.supersedes_id,
			revision = EXCLUDED.revision
		WHERE %s.revision < EXCLUDED.revision`, table, table)
}

func (p *PostgresSink) Name() string { return SinkPostgres }

// Send 写入告警，连接类错误按退避重试
func (p *PostgresSink) Send(ctx context.Context, op *models.Opportunity) error {
	args, err := opportunityArgs(op)
	if err != nil {
		return err
	}

	return p.retrier.Execute(ctx, "写入告警", func() error {
		if _, err := p.db.ExecContext(ctx, p.upsertQuery, args...); err != nil {
			return errors.ErrDatabaseWriteFailed.Wrap(err).WithComponent(SinkPostgres).WithContext("id", op.ID)
		}
		return nil
	})
}

// opportunityArgs 告警转换为插入参数
func opportunityArgs(op *models.Opportunity) ([]interface{}, error) {
	marshal := func(v interface{}, empty string) (string, error) {
		if v == nil {
			return empty, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", errors.ErrSerializationFailed.Wrap(err).WithComponent(SinkPostgres)
		}
		if string(data) == "null" {
			return empty, nil
		}
		return string(data), nil
	}

	txs, err := marshal(op.EvidenceTxs, "[]")
	if err != nil {
		return nil, err
	}
	pools, err := marshal(op.EvidencePools, "[]")
	if err != nil {
		return nil, err
	}
	details, err := marshal(op.Details, "{}")
	if err != nil {
		return nil, err
	}

	var observedAt interface{}
	if !op.ObservedAt.IsZero() {
		observedAt = op.ObservedAt
	}

	return []interface{}{
		op.ID,
		string(op.Kind),
		int64(op.ChainID),
		op.Source,
		op.DetectorID,
		string(op.Severity),
		op.Magnitude.String(),
		txs,
		pools,
		details,
		op.CreatedAt,
		observedAt,
		op.Superseded,
		op.SupersedesID,
		op.Revision,
	}, nil
}

// Close 关闭数据库连接
func (p *PostgresSink) Close() error {
	if p.db == nil {
		return nil
	}
	p.logger.Info("关闭PostgreSQL输出")
	return p.db.Close()
}
