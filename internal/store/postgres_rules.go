package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

var tableNameRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresRuleSource 从PostgreSQL表读取运营方维护的规则
type PostgresRuleSource struct {
	DB     *sql.DB
	table  string
	logger *logrus.Logger
}

// NewPostgresRuleSource 连接数据库
func NewPostgresRuleSource(dsn, table string, logger *logrus.Logger) (*PostgresRuleSource, error) {
	if !tableNameRegex.MatchString(table) {
		return nil, errors.ErrConfigInvalid.New().WithContext("table", table)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.ErrDatabaseWriteFailed.Wrap(fmt.Errorf("连接数据库失败: %w", err))
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.ErrDatabaseWriteFailed.Wrap(fmt.Errorf("数据库连接测试失败: %w", err))
	}

	return &PostgresRuleSource{
		DB:     db,
		table:  table,
		logger: logger,
	}, nil
}

// EnsureSchema 创建规则表
func (p *PostgresRuleSource) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL DEFAULT '',
			enabled    BOOLEAN NOT NULL DEFAULT true,
			priority   INTEGER NOT NULL DEFAULT 0,
			condition  JSONB NOT NULL,
			actions    JSONB NOT NULL DEFAULT '[]',
			version    BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, p.table)
	_, err := p.DB.ExecContext(ctx, query)
	return err
}

// LoadRules 读取全部规则。单行解析失败只记录日志，不影响其他行
func (p *PostgresRuleSource) LoadRules(ctx context.Context) ([]models.Rule, error) {
	query := fmt.Sprintf(`SELECT id, name, enabled, priority, condition, actions, version, updated_at FROM %s ORDER BY id`, p.table)
	rows, err := p.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.ErrStorageFailed.Wrap(err).WithComponent("postgres_rules")
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		var (
			row       ruleRow
			updatedAt time.Time
		)
		if err := rows.Scan(&row.ID, &row.Name, &row.Enabled, &row.Priority, &row.Condition, &row.Actions, &row.Version, &updatedAt); err != nil {
			return nil, errors.ErrStorageFailed.Wrap(err).WithComponent("postgres_rules")
		}
		row.UpdatedAt = updatedAt

		rule, err := row.toRule()
		if err != nil {
			p.logger.WithField("rule_id", row.ID).WithError(err).Warn("解析数据库规则失败")
			continue
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// UpsertRule 写入或更新规则
func (p *PostgresRuleSource) UpsertRule(ctx context.Context, rule models.Rule) error {
	condition, err := json.Marshal(rule.Condition)
	if err != nil {
		return errors.ErrSerializationFailed.Wrap(err).WithRuleID(rule.ID)
	}
	actions, err := json.Marshal(rule.Actions)
	if err != nil {
		return errors.ErrSerializationFailed.Wrap(err).WithRuleID(rule.ID)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, name, enabled, priority, condition, actions, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)
		ON CONFLICT (id)
		DO UPDATE SET name = $2, enabled = $3, priority = $4, condition = $5, actions = $6,
			version = %s.version + 1, updated_at = CURRENT_TIMESTAMP
	`, p.table, p.table)

	_, err = p.DB.ExecContext(ctx, query, rule.ID, rule.Name, rule.Enabled, rule.Priority, string(condition), string(actions), max(rule.Version, 1))
	if err != nil {
		return errors.ErrDatabaseWriteFailed.Wrap(err).WithRuleID(rule.ID)
	}
	return nil
}

// Close 关闭数据库连接
func (p *PostgresRuleSource) Close() error {
	if p.DB != nil {
		return p.DB.Close()
	}
	return nil
}

// ruleRow 数据库中的一行规则
type ruleRow struct {
	ID        string
	Name      string
	Enabled   bool
	Priority  int
	Condition []byte
	Actions   []byte
	Version   int64
	UpdatedAt time.Time
}

func (r ruleRow) toRule() (models.Rule, error) {
	rule := models.Rule{
		ID:        r.ID,
		Name:      r.Name,
		Enabled:   r.Enabled,
		Priority:  r.Priority,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Version > 0 {
		rule.Version = uint64(r.Version)
	}

	var condition models.ConditionNode
	if err := json.Unmarshal(r.Condition, &condition); err != nil {
		return rule, errors.ErrSerializationFailed.Wrap(err).WithRuleID(r.ID)
	}
	rule.Condition = &condition

	if len(r.Actions) > 0 {
		if err := json.Unmarshal(r.Actions, &rule.Actions); err != nil {
			return rule, errors.ErrSerializationFailed.Wrap(err).WithRuleID(r.ID)
		}
	}
	return rule, nil
}
