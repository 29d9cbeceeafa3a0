package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"mevwatch/internal/errors"
	"mevwatch/pkg/models"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// 默认数据库路径
	DefaultDBPath = "./data/rules.db"

	// 存储桶名称
	RulesBucket = "rules"
	MetaBucket  = "meta"

	// 快照版本键
	SnapshotVersionKey = "snapshot_version"
	LastUpdateTimeKey  = "last_update_time"
)

// RuleStore 基于BoltDB的规则仓库，每次修改都会产生新的快照版本
type RuleStore struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.Mutex // 串行化写入，保证快照版本单调递增
}

// NewRuleStore 打开规则仓库
func NewRuleStore(dbPath string, logger *logrus.Logger) (*RuleStore, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	// 确保目录存在
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.ErrStorageFailed.Wrap(fmt.Errorf("创建数据目录失败: %w", err))
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.ErrStorageFailed.Wrap(fmt.Errorf("打开规则数据库失败: %w", err))
	}

	store := &RuleStore{
		db:     db,
		logger: logger,
		dbPath: dbPath,
	}

	if err := store.initDB(); err != nil {
		db.Close()
		return nil, errors.ErrStorageFailed.Wrap(fmt.Errorf("初始化数据库失败: %w", err))
	}

	logger.Infof("规则仓库已初始化，数据库路径: %s", dbPath)
	return store, nil
}

// initDB 初始化数据库结构
func (s *RuleStore) initDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(RulesBucket)); err != nil {
			return fmt.Errorf("创建规则存储桶失败: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(MetaBucket)); err != nil {
			return fmt.Errorf("创建元数据存储桶失败: %w", err)
		}
		return nil
	})
}

// Put 新增或更新规则，规则版本在已有版本上加一。返回写入后的规则和新的快照版本
func (s *RuleStore) Put(rule models.Rule) (models.Rule, uint64, error) {
	if rule.ID == "" {
		return rule, 0, errors.ErrInvalidRule.New().WithContext("reason", "缺少规则ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(RulesBucket))

		var version uint64
		if data := bucket.Get([]byte(rule.ID)); data != nil {
			var existing models.Rule
			if err := json.Unmarshal(data, &existing); err == nil {
				version = existing.Version
			}
		}
		if rule.Version > version {
			version = rule.Version
		}
		rule.Version = version + 1
		rule.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(rule)
		if err != nil {
			return errors.ErrSerializationFailed.Wrap(err)
		}
		if err := bucket.Put([]byte(rule.ID), data); err != nil {
			return fmt.Errorf("保存规则失败: %w", err)
		}

		snapshot, err = bumpSnapshot(tx)
		return err
	})
	if err != nil {
		return rule, 0, wrapStorage(err)
	}

	s.logger.WithFields(logrus.Fields{
		"component": "store",
		"rule_id":   rule.ID,
		"version":   rule.Version,
		"snapshot":  snapshot,
	}).Info("规则已保存")
	return rule, snapshot, nil
}

// PutAll 批量写入，用于从规则文件或数据库导入
func (s *RuleStore) PutAll(rules []models.Rule) (uint64, error) {
	var snapshot uint64
	for _, rule := range rules {
		var err error
		if _, snapshot, err = s.Put(rule); err != nil {
			return snapshot, err
		}
	}
	return snapshot, nil
}

// Delete 删除规则
func (s *RuleStore) Delete(id string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snapshot uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(RulesBucket))
		if bucket.Get([]byte(id)) == nil {
			return errors.ErrRuleNotFound.New().WithRuleID(id)
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return fmt.Errorf("删除规则失败: %w", err)
		}

		var err error
		snapshot, err = bumpSnapshot(tx)
		return err
	})
	if err != nil {
		return 0, wrapStorage(err)
	}

	s.logger.WithFields(logrus.Fields{
		"component": "store",
		"rule_id":   id,
		"snapshot":  snapshot,
	}).Info("规则已删除")
	return snapshot, nil
}

// Get 获取单条规则
func (s *RuleStore) Get(id string) (models.Rule, error) {
	var rule models.Rule
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(RulesBucket)).Get([]byte(id))
		if data == nil {
			return errors.ErrRuleNotFound.New().WithRuleID(id)
		}
		if err := json.Unmarshal(data, &rule); err != nil {
			return errors.ErrSerializationFailed.Wrap(err).WithRuleID(id)
		}
		return nil
	})
	return rule, wrapStorage(err)
}

// List 全部规则，按ID排序
func (s *RuleStore) List() ([]models.Rule, error) {
	rules := make([]models.Rule, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(RulesBucket)).ForEach(func(k, v []byte) error {
			var rule models.Rule
			if err := json.Unmarshal(v, &rule); err != nil {
				// 损坏的记录跳过，不影响其他规则
				s.logger.WithField("rule_id", string(k)).WithError(err).Warn("解析规则记录失败")
				return nil
			}
			rules = append(rules, rule)
			return nil
		})
	})
	if err != nil {
		return nil, wrapStorage(err)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules, nil
}

// SnapshotVersion 当前快照版本
func (s *RuleStore) SnapshotVersion() uint64 {
	var version uint64
	_ = s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket([]byte(MetaBucket)).Get([]byte(SnapshotVersionKey)); len(data) == 8 {
			version = binary.BigEndian.Uint64(data)
		}
		return nil
	})
	return version
}

// GetStats 获取统计信息
func (s *RuleStore) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"db_path":          s.dbPath,
		"snapshot_version": s.SnapshotVersion(),
	}

	_ = s.db.View(func(tx *bolt.Tx) error {
		stats["rules"] = tx.Bucket([]byte(RulesBucket)).Stats().KeyN
		if data := tx.Bucket([]byte(MetaBucket)).Get([]byte(LastUpdateTimeKey)); data != nil {
			var last time.Time
			if err := json.Unmarshal(data, &last); err == nil {
				stats["last_update_time"] = last.Format(time.RFC3339)
			}
		}
		return nil
	})
	return stats
}

// GetDBPath 获取数据库路径
func (s *RuleStore) GetDBPath() string {
	return s.dbPath
}

// Close 关闭规则仓库
func (s *RuleStore) Close() error {
	if s.db != nil {
		s.logger.Info("关闭规则仓库")
		return s.db.Close()
	}
	return nil
}

// bumpSnapshot 快照版本加一并记录更新时间
func bumpSnapshot(tx *bolt.Tx) (uint64, error) {
	meta := tx.Bucket([]byte(MetaBucket))

	var version uint64
	if data := meta.Get([]byte(SnapshotVersionKey)); len(data) == 8 {
		version = binary.BigEndian.Uint64(data)
	}
	version++

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, version)
	if err := meta.Put([]byte(SnapshotVersionKey), buf); err != nil {
		return 0, fmt.Errorf("保存快照版本失败: %w", err)
	}
	if data, err := json.Marshal(time.Now().UTC()); err == nil {
		_ = meta.Put([]byte(LastUpdateTimeKey), data)
	}
	return version, nil
}

// wrapStorage 非WatchError的错误统一包装为存储错误
func wrapStorage(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}
	return errors.ErrStorageFailed.Wrap(err)
}
