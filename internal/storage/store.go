package storage

import (
	"context"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"cdproute/internal/logger"
	"cdproute/pkg/model"
)

type sessionKey struct{}

// WithSession 在上下文中标记会话，SQL 日志会带上它
func WithSession(ctx context.Context, id model.SessionID) context.Context {
	return context.WithValue(ctx, sessionKey{}, string(id))
}

// Options 数据库选项
type Options struct {
	DSN    string
	Prefix string
}

// TrafficRecord 一次路由或连接事件的历史记录
type TrafficRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Session   string    `gorm:"index;size:64"`
	Target    string    `gorm:"size:64"`
	Type      string    `gorm:"size:32"`
	URL       string
	Method    string    `gorm:"size:16"`
	Action    string    `gorm:"index;size:16"`
	Outcome   string    `gorm:"size:16"`
	Status    int
	Error     string
	// Headers JSON 数组 [{name,value}]
	Headers   string
	CreatedAt time.Time `gorm:"index"`
}

// Store 流量历史存储
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开数据库并迁移表结构
func Open(opts Options, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	dsn := opts.DSN
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: opts.Prefix},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "打开数据库失败: %s", dsn)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "获取数据库连接失败")
	}
	// sqlite 单写者，内存库也只能在单连接上共享
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&TrafficRecord{}); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Wrap(err, "迁移表结构失败")
	}
	l.Info("数据库已打开", "dsn", dsn)
	return &Store{db: db, log: l}, nil
}

// Close 关闭数据库
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewRecord 由事件构建记录
func NewRecord(evt model.Event) (*TrafficRecord, error) {
	headers := "[]"
	for _, h := range evt.Headers {
		var err error
		headers, err = sjson.Set(headers, "-1", map[string]string{"name": h.Name, "value": h.Value})
		if err != nil {
			return nil, errors.Wrap(err, "编码头部失败")
		}
	}
	created := time.Now()
	if evt.Timestamp > 0 {
		created = time.UnixMilli(evt.Timestamp)
	}
	rec := &TrafficRecord{
		ID:        uuid.NewString(),
		Session:   string(evt.Session),
		Target:    string(evt.Target),
		Type:      evt.Type,
		URL:       evt.URL,
		Method:    evt.Method,
		Action:    evt.Action,
		Outcome:   evt.Outcome,
		Status:    evt.Status,
		Headers:   headers,
		CreatedAt: created,
	}
	if evt.Error != nil {
		rec.Error = evt.Error.Error()
	}
	return rec, nil
}

// Save 保存事件
func (s *Store) Save(ctx context.Context, evt model.Event) (*TrafficRecord, error) {
	rec, err := NewRecord(evt)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, errors.Wrap(err, "保存记录失败")
	}
	return rec, nil
}

// Recent 按时间倒序返回最近的记录
func (s *Store) Recent(ctx context.Context, limit int) ([]TrafficRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []TrafficRecord
	err := s.db.WithContext(ctx).Order("created_at desc").Limit(limit).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "查询记录失败")
	}
	return out, nil
}

// CountByAction 按动作统计路由记录
func (s *Store) CountByAction(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Action string
		Total  int64
	}
	err := s.db.WithContext(ctx).Model(&TrafficRecord{}).
		Select("action, count(*) as total").
		Where("type = ?", model.EventRouted).
		Group("action").
		Scan(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "统计记录失败")
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Action] = r.Total
	}
	return out, nil
}

// Prune 删除早于指定时间的记录
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", before).Delete(&TrafficRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "清理记录失败")
	}
	return res.RowsAffected, nil
}
