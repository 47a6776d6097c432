package porteiro

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

var (
	columnCommandLogOutcome = "outcome"
	columnUserLastSeen      = "last_seen"
	columnUserUsername      = "username"
	columnUserGlobalName    = "global_name"
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// User is a record of a Discord user the bot has seen.
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user
	Bot bool `json:"bot" gorm:"type:bool"`

	// If true, commands from this user are dropped at classification
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user triggered any dispatch path
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) *User {
	return &User{
		ID:         u.ID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		Ignored:    u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// MemberJoin records a guild join and, when attribution succeeded, the
// user whose invite accounted for it.
//
//nolint:lll // struct tags can't be split
type MemberJoin struct {
	ModelUintID
	ModelUnixTime
	GuildID   string `json:"guild_id" gorm:"index;not null"`
	UserID    string `json:"user_id" gorm:"index;not null"`
	Username  string `json:"username" gorm:"type:string"`
	InviterID string `json:"inviter_id" gorm:"type:string"`
}

func (m MemberJoin) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", m.GuildID),
		slog.String("user_id", m.UserID),
		slog.String("inviter_id", m.InviterID),
	)
}

// DBI is the database interface used throughout the bot, so tests can
// substitute a mock without a real connection.
type DBI interface {
	Create(value any) (rowsAffected int64, err error)
	Update(model any, column string, value any) (rowsAffected int64, err error)
	Updates(model any, values map[string]any) (rowsAffected int64, err error)
	Save(value any) (rowsAffected int64, err error)
	GetOrCreateUser(u discordgo.User) (user *User, isNew bool, err error)
	TouchUser(u discordgo.User, seenAt int64) bool
	DB() *gorm.DB
}

// database implements DBI over gorm, serializing writes behind a mutex.
// SQLite only allows a single writer; everything else here is an
// overabundance of caution.
type database struct {
	db     *gorm.DB
	mu     sync.Mutex
	logger *slog.Logger

	// userCache avoids a read per inbound message; sqlite is cheap,
	// but the dispatch path shouldn't touch the disk at all when the
	// author has been seen before
	userCache   map[string]*User
	userCacheMu sync.RWMutex
}

func NewDatabase(db *gorm.DB, log *slog.Logger) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:        db,
		logger:    log.With(loggerNameKey, "writedb"),
		userCache: map[string]*User{},
	}
}

// GetOrCreateUser returns the user record, loading or creating it on
// first sight. The returned record is the caller's own copy; the
// cached one is only touched under the cache lock.
func (d *database) GetOrCreateUser(u discordgo.User) (*User, bool, error) {
	d.userCacheMu.RLock()
	cached, ok := d.userCache[u.ID]
	if ok {
		out := *cached
		d.userCacheMu.RUnlock()
		return &out, false, nil
	}
	d.userCacheMu.RUnlock()

	d.userCacheMu.Lock()
	defer d.userCacheMu.Unlock()
	if cached, ok = d.userCache[u.ID]; ok {
		out := *cached
		return &out, false, nil
	}

	user := NewUser(u)

	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Where("id = ?", u.ID).FirstOrCreate(user)
	if rv.Error != nil {
		return nil, false, fmt.Errorf("error getting/creating user: %w", rv.Error)
	}
	isNew := rv.RowsAffected > 0
	d.userCache[u.ID] = user
	out := *user
	return &out, isNew, nil
}

// lastSeenRefreshInterval bounds how often a user's last_seen column is
// rewritten; every message would be a pointless write amplification on
// sqlite.
const lastSeenRefreshInterval = 10 * time.Minute

// TouchUser records message activity on the cached user. It reports
// whether the persisted row is out of date (stale last_seen or a
// rename) and advances the cached record, so concurrent dispatches for
// the same user schedule at most one refresh write.
func (d *database) TouchUser(u discordgo.User, seenAt int64) bool {
	d.userCacheMu.Lock()
	defer d.userCacheMu.Unlock()
	cached, ok := d.userCache[u.ID]
	if !ok {
		return false
	}
	stale := seenAt-cached.LastSeen > lastSeenRefreshInterval.Milliseconds()
	renamed := cached.Username != u.Username || cached.GlobalName != u.GlobalName
	if !stale && !renamed {
		return false
	}
	cached.LastSeen = seenAt
	cached.Username = u.Username
	cached.GlobalName = u.GlobalName
	return true
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) Create(value any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Create(value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Update(model any, column string, value any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Update(column, value)
	return rv.RowsAffected, rv.Error
}

func (d *database) Updates(model any, values map[string]any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Model(model).Updates(values)
	return rv.RowsAffected, rv.Error
}

func (d *database) Save(value any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()
	rv := d.db.WithContext(ctx).Save(value)
	return rv.RowsAffected, rv.Error
}

// CreateDB opens (and migrates) the sqlite database at the given path.
// Pass ":memory:" for tests.
func CreateDB(
	ctx context.Context,
	path string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	cfg := &gorm.Config{}
	if gormLogger != nil {
		cfg.Logger = gormLogger
	}
	db, err := gorm.Open(sqlite.Open(path), cfg)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.WithContext(ctx).Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}

	if err = db.WithContext(ctx).AutoMigrate(
		&User{},
		&CommandLog{},
		&TrackedMessage{},
		&MemberJoin{},
	); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}
