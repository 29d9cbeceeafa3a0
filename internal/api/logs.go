package api

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry 日志条目
type LogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// LogFilter 日志查询条件，空值表示不过滤
type LogFilter struct {
	Level     string
	Component string
}

func (f LogFilter) match(entry *LogEntry) bool {
	if f.Level != "" && entry.Level != f.Level {
		return false
	}
	if f.Component != "" && entry.Component != f.Component {
		return false
	}
	return true
}

// LogManager 最近日志的环形缓冲
type LogManager struct {
	mu    sync.RWMutex
	logs  []LogEntry
	next  int
	count int
}

// NewLogManager 创建日志管理器
func NewLogManager(maxLogs int) *LogManager {
	if maxLogs <= 0 {
		maxLogs = DefaultLogCapacity
	}
	return &LogManager{logs: make([]LogEntry, maxLogs)}
}

// AddLog 添加日志，满时覆盖最旧的一条
func (lm *LogManager) AddLog(entry *logrus.Entry) {
	logEntry := LogEntry{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if len(entry.Data) > 0 {
		// entry.Data在钩子返回后可能被复用
		logEntry.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			logEntry.Fields[k] = v
		}
		if component, ok := entry.Data["component"].(string); ok {
			logEntry.Component = component
		}
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()

	lm.logs[lm.next] = logEntry
	lm.next = (lm.next + 1) % len(lm.logs)
	if lm.count < len(lm.logs) {
		lm.count++
	}
}

// ordered 由新到旧，调用方持有读锁
func (lm *LogManager) ordered(filter LogFilter) []LogEntry {
	out := make([]LogEntry, 0, lm.count)
	for i := 0; i < lm.count; i++ {
		idx := (lm.next - 1 - i + len(lm.logs)) % len(lm.logs)
		if filter.match(&lm.logs[idx]) {
			out = append(out, lm.logs[idx])
		}
	}
	return out
}

// GetLogs 最新的limit条日志，由新到旧
func (lm *LogManager) GetLogs(filter LogFilter, limit int) []LogEntry {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	logs := lm.ordered(filter)
	if limit > 0 && limit < len(logs) {
		logs = logs[:limit]
	}
	return logs
}

// GetLogsWithPagination 获取分页日志，第一页是最新的日志
func (lm *LogManager) GetLogsWithPagination(filter LogFilter, page, pageSize int) ([]LogEntry, int) {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	allLogs := lm.ordered(filter)
	total := len(allLogs)

	start := (page - 1) * pageSize
	if start >= total {
		return []LogEntry{}, total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return allLogs[start:end], total
}

// Len 当前缓冲的条数
func (lm *LogManager) Len() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.count
}

// ClearLogs 清空日志
func (lm *LogManager) ClearLogs() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.logs = make([]LogEntry, len(lm.logs))
	lm.next = 0
	lm.count = 0
}

// LogHook 把日志写入LogManager
type LogHook struct {
	manager *LogManager
	levels  []logrus.Level
}

// NewLogHook 创建日志钩子，默认收集info及以上级别
func NewLogHook(manager *LogManager, levels ...logrus.Level) *LogHook {
	if len(levels) == 0 {
		levels = []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel, logrus.InfoLevel}
	}
	return &LogHook{manager: manager, levels: levels}
}

// Fire 实现 logrus.Hook 接口
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.manager.AddLog(entry)
	return nil
}

// Levels 实现 logrus.Hook 接口
func (h *LogHook) Levels() []logrus.Level {
	return h.levels
}
