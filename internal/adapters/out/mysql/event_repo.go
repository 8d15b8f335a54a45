package mysql

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EthanQC/liveroom/internal/domain/entity"
	"github.com/EthanQC/liveroom/internal/ports/out"
)

// EventModel 活动周期GORM模型
type EventModel struct {
	ID           string    `gorm:"column:id;type:varchar(32);primaryKey"`
	StartsAt     time.Time `gorm:"column:starts_at;not null"`
	EndsAt       time.Time `gorm:"column:ends_at;not null;index"`
	EntryCost    int64     `gorm:"column:entry_cost;not null"`
	EntrantCount int64     `gorm:"column:entrant_count;not null;default:0"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (EventModel) TableName() string {
	return "events"
}

func (m *EventModel) toDTO() *out.EventRecord {
	return &out.EventRecord{
		ID:           m.ID,
		StartsAt:     m.StartsAt,
		EndsAt:       m.EndsAt,
		EntryCost:    m.EntryCost,
		EntrantCount: m.EntrantCount,
	}
}

// EntryModel 报名记录GORM模型，每人每周期一条
type EntryModel struct {
	ID             uint64    `gorm:"column:id;primaryKey;autoIncrement"`
	EventID        string    `gorm:"column:event_id;type:varchar(32);not null;uniqueIndex:uk_event_user"`
	UserID         string    `gorm:"column:user_id;type:varchar(64);not null;uniqueIndex:uk_event_user"`
	TicketNumber   int64     `gorm:"column:ticket_number;not null"`
	GoldPaid       int64     `gorm:"column:gold_paid;not null"`
	IdempotencyKey string    `gorm:"column:idempotency_key;type:varchar(64);not null;uniqueIndex"`
	EntryTime      time.Time `gorm:"column:entry_time;not null"`
}

func (EntryModel) TableName() string {
	return "event_entries"
}

func (m *EntryModel) toEntity() *entity.EventEntry {
	return &entity.EventEntry{
		EventID:        m.EventID,
		UserID:         m.UserID,
		TicketNumber:   m.TicketNumber,
		EntryTime:      m.EntryTime,
		GoldPaid:       m.GoldPaid,
		IdempotencyKey: m.IdempotencyKey,
	}
}

// WalletModel 用户金币钱包
type WalletModel struct {
	UserID    string    `gorm:"column:user_id;type:varchar(64);primaryKey"`
	Gold      int64     `gorm:"column:gold;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (WalletModel) TableName() string {
	return "user_wallets"
}

// EventRepositoryMySQL MySQL活动账本实现
type EventRepositoryMySQL struct {
	db           *gorm.DB
	startingGold int64
}

// NewEventRepositoryMySQL startingGold 为新钱包的初始金币
func NewEventRepositoryMySQL(db *gorm.DB, startingGold int64) out.EventRepository {
	return &EventRepositoryMySQL{db: db, startingGold: startingGold}
}

func (r *EventRepositoryMySQL) EnsureEvent(ctx context.Context, ev *out.EventRecord) error {
	model := &EventModel{
		ID:        ev.ID,
		StartsAt:  ev.StartsAt,
		EndsAt:    ev.EndsAt,
		EntryCost: ev.EntryCost,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(model).Error
}

func (r *EventRepositoryMySQL) GetEvent(ctx context.Context, eventID string) (*out.EventRecord, error) {
	var model EventModel
	err := r.db.WithContext(ctx).Where("id = ?", eventID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, out.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return model.toDTO(), nil
}

// Enter 在一个事务里完成开户、扣费、取票号、写报名
func (r *EventRepositoryMySQL) Enter(ctx context.Context, p out.EnterParams) (*entity.EventEntry, bool, error) {
	var created *entity.EventEntry
	var existing *entity.EventEntry

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ev EventModel
		if err := tx.Where("id = ?", p.EventID).First(&ev).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return out.ErrEventNotFound
			}
			return err
		}

		prev, err := findEntry(tx, p.EventID, p.UserID)
		if err != nil {
			return err
		}
		if prev != nil {
			existing = prev
			return nil
		}

		// 钱包不存在时开户
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&WalletModel{UserID: p.UserID, Gold: r.startingGold}).Error; err != nil {
			return err
		}

		res := tx.Model(&WalletModel{}).
			Where("user_id = ? AND gold >= ?", p.UserID, ev.EntryCost).
			Update("gold", gorm.Expr("gold - ?", ev.EntryCost))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return out.ErrInsufficientGold
		}

		// 计数自增同时锁住活动行，票号即自增后的值
		if err := tx.Model(&EventModel{}).
			Where("id = ?", p.EventID).
			Update("entrant_count", gorm.Expr("entrant_count + 1")).Error; err != nil {
			return err
		}
		if err := tx.Select("entrant_count").Where("id = ?", p.EventID).First(&ev).Error; err != nil {
			return err
		}

		model := &EntryModel{
			EventID:        p.EventID,
			UserID:         p.UserID,
			TicketNumber:   ev.EntrantCount,
			GoldPaid:       ev.EntryCost,
			IdempotencyKey: p.IdempotencyKey,
			EntryTime:      p.Now,
		}
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		created = model.toEntity()
		return nil
	})

	if err != nil {
		if errors.Is(err, out.ErrInsufficientGold) || errors.Is(err, out.ErrEventNotFound) {
			return nil, false, err
		}
		// 并发报名时唯一索引冲突，回滚后读已有记录
		if prev, findErr := findEntry(r.db.WithContext(ctx), p.EventID, p.UserID); findErr == nil && prev != nil {
			return prev, true, nil
		}
		return nil, false, err
	}
	if existing != nil {
		return existing, true, nil
	}
	return created, false, nil
}

func (r *EventRepositoryMySQL) Balance(ctx context.Context, userID string) (int64, error) {
	var wallet WalletModel
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return r.startingGold, nil
	}
	if err != nil {
		return 0, err
	}
	return wallet.Gold, nil
}

func findEntry(db *gorm.DB, eventID, userID string) (*entity.EventEntry, error) {
	var model EntryModel
	err := db.Where("event_id = ? AND user_id = ?", eventID, userID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.toEntity(), nil
}
