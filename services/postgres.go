package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeweberdotcom/materionextjs-sub004/dto"
	"github.com/codeweberdotcom/materionextjs-sub004/model"
	"github.com/codeweberdotcom/materionextjs-sub004/shared"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type PostgresService struct {
	appContext.DefaultService
	db *gorm.DB

	database string
}

const POSTGRES_SVC = "postgres_svc"

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *appContext.Context) error {
	ds.database = os.Getenv("DATABASE_URL")
	if ds.database == "" {
		// Fallback to individual environment variables
		host := os.Getenv("DB_HOST")
		if host == "" {
			host = "localhost"
		}
		port := os.Getenv("DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("DB_NAME")
		if dbname == "" {
			dbname = "backoffice"
		}
		sslmode := os.Getenv("DB_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}

		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
			host, user, password, dbname, port, sslmode)
	}

	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("Attempting to connect to database (attempt %d/%d)...", attempt, maxRetries)

		ds.db, err = gorm.Open(postgres.Open(ds.database), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Error),
			TranslateError: true,
		})

		if err == nil {
			sqlDB, dbErr := ds.db.DB()
			if dbErr == nil {
				if pingErr := sqlDB.Ping(); pingErr == nil {
					log.Println("Successfully connected to database")
					break
				} else {
					err = pingErr
				}
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			log.Printf("Failed to connect to database after %d attempts: %v", maxRetries, err)
			return err
		}

		log.Printf("Database connection failed: %v. Retrying in %v...", err, retryDelay)
		time.Sleep(retryDelay)

		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	err = ds.db.AutoMigrate(
		&model.User{},
		&model.RateLimitConfig{},
		&model.RateLimitState{},
		&model.ManualBlock{},
		&model.RateLimitEvent{},
	)
	if err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for range ticker.C {
			if err := ds.CleanupOldRecords(); err != nil {
				log.Printf("Rate limit cleanup error: %v", err)
			}
		}
	}()

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Shutdown() {
	sqlDB, err := ds.db.DB()
	if err == nil {
		sqlDB.Close()
	}
}

func (ds *PostgresService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		statusCode = http.StatusBadRequest
		errorType = "FOREIGN_KEY_VIOLATION"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if shared.IsUndefinedColumn(err, "") {
			statusCode = http.StatusInternalServerError
			errorType = "SCHEMA_ERROR"
		} else if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else if shared.IsTransientDBError(err) {
			statusCode = http.StatusServiceUnavailable
			errorType = "DATABASE_CONNECTION_ERROR"
		} else {
			statusCode = http.StatusInternalServerError
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}

// ==================== CONFIG METHODS ====================

func (ds *PostgresService) LoadRateLimitConfigs() ([]model.RateLimitConfig, error) {
	var configs []model.RateLimitConfig
	op := func() error {
		return ds.db.Order("module ASC").Find(&configs).Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "load_rate_limit_configs"}); err != nil {
		return nil, err
	}
	return configs, nil
}

func (ds *PostgresService) UpsertRateLimitConfig(cfg *model.RateLimitConfig) error {
	if cfg.ID == "" {
		id, _ := uuid.NewV7()
		cfg.ID = id.String()
	}
	now := time.Now()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	op := func() error {
		return ds.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "module"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"max_requests", "window_ms", "block_ms", "warn_threshold",
				"is_active", "mode", "store_email_in_events", "store_ip_in_events",
				"is_fallback", "description", "updated_at",
			}),
		}).Create(cfg).Error
	}
	return shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "upsert_rate_limit_config"})
}

// ==================== COUNTER METHODS ====================

// ConsumeCounter is the one true atomic path: the counter row is locked
// FOR UPDATE inside a single transaction, so concurrent consumers of the
// same (key, module) pair serialize and can neither under-count nor skip
// past the limit without blocking. Audit events are handed to record only
// after the transaction commits.
func (ds *PostgresService) ConsumeCounter(ctx context.Context, key, module string, cfg *model.RateLimitConfig, increment bool, subjects dto.EventSubjects, record EventRecorder) (*dto.RateLimitInfo, error) {
	var info dto.RateLimitInfo
	var events []*model.RateLimitEvent

	op := func() error {
		events = events[:0]
		return ds.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			now := time.Now()

			var st model.RateLimitState
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("identifier = ? AND module = ?", key, module).
				First(&st).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				id, _ := uuid.NewV7()
				st = model.RateLimitState{
					ID:          id.String(),
					Key:         key,
					Module:      module,
					WindowStart: now,
					WindowEnd:   now.Add(cfg.Window()),
					CreatedAt:   now,
					UpdatedAt:   now,
				}
				if err := tx.Create(&st).Error; err != nil {
					return err
				}
			} else if err != nil {
				return err
			}

			decision, evs := applyConsume(&st, cfg, subjects, increment, now)
			info = *decision
			events = append(events, evs...)

			return tx.Model(&model.RateLimitState{}).Where("id = ?", st.ID).Updates(map[string]interface{}{
				"count":         st.Count,
				"window_start":  st.WindowStart,
				"window_end":    st.WindowEnd,
				"blocked_until": st.BlockedUntil,
				"updated_at":    st.UpdatedAt,
			}).Error
		})
	}

	if err := shared.WithRetry(ctx, op, shared.RetryOptions{Context: "consume_counter"}); err != nil {
		return nil, ds.HandleError(err)
	}

	if record != nil {
		for _, ev := range events {
			record(ev)
		}
	}
	return &info, nil
}

func (ds *PostgresService) GetCounterByID(id string) (*model.RateLimitState, error) {
	var st model.RateLimitState
	err := ds.db.Where("id = ?", id).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return &st, nil
}

func (ds *PostgresService) CounterExists(key, module string) (bool, error) {
	var count int64
	err := ds.db.Model(&model.RateLimitState{}).
		Where("identifier = ? AND module = ?", key, module).
		Count(&count).Error
	if err != nil {
		return false, ds.HandleError(err)
	}
	return count > 0, nil
}

func (ds *PostgresService) counterListQuery(module, search string) *gorm.DB {
	query := ds.db.Model(&model.RateLimitState{})
	if module != "" {
		query = query.Where("module = ?", module)
	}
	if search != "" {
		query = query.Where("identifier ILIKE ?", "%"+search+"%")
	}
	return query
}

// ListCounters pages counter rows in the feed order (blocked first, most
// recently touched first). afterID resumes strictly after that row's
// position; a vanished cursor row just restarts from the top.
func (ds *PostgresService) ListCounters(module, search string, limit int, afterID string) ([]model.RateLimitState, error) {
	query := ds.counterListQuery(module, search)

	if afterID != "" {
		var cur model.RateLimitState
		err := ds.db.Where("id = ?", afterID).First(&cur).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ds.HandleError(err)
		}
		if err == nil {
			if cur.BlockedUntil != nil {
				query = query.Where(
					"(blocked_until < ?) OR (blocked_until = ? AND (updated_at < ? OR (updated_at = ? AND id > ?))) OR blocked_until IS NULL",
					*cur.BlockedUntil, *cur.BlockedUntil, cur.UpdatedAt, cur.UpdatedAt, cur.ID,
				)
			} else {
				query = query.Where(
					"blocked_until IS NULL AND (updated_at < ? OR (updated_at = ? AND id > ?))",
					cur.UpdatedAt, cur.UpdatedAt, cur.ID,
				)
			}
		}
	}

	var states []model.RateLimitState
	op := func() error {
		return query.
			Order("blocked_until DESC NULLS LAST").
			Order("updated_at DESC").
			Order("id ASC").
			Limit(limit).
			Find(&states).Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "list_counters"}); err != nil {
		return nil, ds.HandleError(err)
	}
	return states, nil
}

func (ds *PostgresService) CountCounters(module, search string) (int64, error) {
	var count int64
	if err := ds.counterListQuery(module, search).Count(&count).Error; err != nil {
		return 0, ds.HandleError(err)
	}
	return count, nil
}

func (ds *PostgresService) ResetCounters(key, module string) (int64, error) {
	query := ds.db.Model(&model.RateLimitState{})
	if key != "" {
		query = query.Where("identifier = ?", key)
	}
	if module != "" {
		query = query.Where("module = ?", module)
	}

	var affected int64
	op := func() error {
		res := query.Updates(map[string]interface{}{
			"count":         0,
			"blocked_until": nil,
			"updated_at":    time.Now(),
		})
		affected = res.RowsAffected
		return res.Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "reset_counters"}); err != nil {
		return 0, ds.HandleError(err)
	}
	return affected, nil
}

func (ds *PostgresService) CounterStats(module string) (int64, int64, int64, error) {
	now := time.Now()

	var totalRequests int64
	err := ds.db.Model(&model.RateLimitState{}).
		Where("module = ?", module).
		Select("COALESCE(SUM(count), 0)").
		Scan(&totalRequests).Error
	if err != nil {
		return 0, 0, 0, ds.HandleError(err)
	}

	var blockedCount int64
	err = ds.db.Model(&model.RateLimitState{}).
		Where("module = ? AND blocked_until > ?", module, now).
		Count(&blockedCount).Error
	if err != nil {
		return 0, 0, 0, ds.HandleError(err)
	}

	var activeWindows int64
	err = ds.db.Model(&model.RateLimitState{}).
		Where("module = ? AND window_end > ?", module, now).
		Count(&activeWindows).Error
	if err != nil {
		return 0, 0, 0, ds.HandleError(err)
	}

	return totalRequests, blockedCount, activeWindows, nil
}

// CleanupOldRecords drops stale counter rows that are not blocked anymore.
func (ds *PostgresService) CleanupOldRecords() error {
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	now := time.Now()

	return ds.db.Where("created_at < ? AND (blocked_until IS NULL OR blocked_until < ?)", cutoff, now).
		Delete(&model.RateLimitState{}).Error
}

// ==================== MANUAL BLOCK METHODS ====================

func (ds *PostgresService) activeBlockQuery(module string) *gorm.DB {
	now := time.Now()
	query := ds.db.Model(&model.ManualBlock{}).
		Where("is_active = ?", true).
		Where("unblocked_at IS NULL OR unblocked_at > ?", now)
	if module != "" {
		query = query.Where("module = ? OR module = ?", module, shared.ModuleAll)
	}
	return query
}

func (ds *PostgresService) ActiveBlocksMatching(module string, conds BlockConditions) ([]model.ManualBlock, error) {
	if conds.Empty() {
		return nil, nil
	}

	identity := ds.db.Where("1 = 0")
	if len(conds.UserIDs) > 0 {
		identity = identity.Or("user_id IN ?", conds.UserIDs)
	}
	if len(conds.IPs) > 0 {
		identity = identity.Or("ip_address IN ?", conds.IPs)
	}
	if len(conds.EmailDomains) > 0 {
		identity = identity.Or("email_domain IN ?", conds.EmailDomains)
	}

	var blocks []model.ManualBlock
	op := func() error {
		return ds.activeBlockQuery(module).Where(identity).Find(&blocks).Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "active_blocks_matching"}); err != nil {
		return nil, ds.HandleError(err)
	}
	return blocks, nil
}

func (ds *PostgresService) blockSearchQuery(module, search string) *gorm.DB {
	query := ds.activeBlockQuery(module)
	if search != "" {
		pattern := "%" + search + "%"
		query = query.Where("user_id ILIKE ? OR ip_address ILIKE ? OR email_domain ILIKE ?", pattern, pattern, pattern)
	}
	return query
}

func (ds *PostgresService) ListActiveBlocks(module, search string) ([]model.ManualBlock, error) {
	var blocks []model.ManualBlock
	if err := ds.blockSearchQuery(module, search).Order("blocked_at DESC").Find(&blocks).Error; err != nil {
		return nil, ds.HandleError(err)
	}
	return blocks, nil
}

func (ds *PostgresService) CountActiveBlocks(module, search string) (int64, error) {
	var count int64
	if err := ds.blockSearchQuery(module, search).Count(&count).Error; err != nil {
		return 0, ds.HandleError(err)
	}
	return count, nil
}

func (ds *PostgresService) CreateBlock(block *model.ManualBlock) error {
	if block.ID == "" {
		id, _ := uuid.NewV7()
		block.ID = id.String()
	}
	now := time.Now()
	if block.BlockedAt.IsZero() {
		block.BlockedAt = now
	}
	block.CreatedAt = now
	block.UpdatedAt = now
	block.IsActive = true

	op := func() error {
		return ds.db.Create(block).Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "create_block"}); err != nil {
		return ds.HandleError(err)
	}
	return nil
}

func (ds *PostgresService) GetBlock(id string) (*model.ManualBlock, error) {
	var block model.ManualBlock
	err := ds.db.Where("id = ?", id).First(&block).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return &block, nil
}

func (ds *PostgresService) DeactivateBlock(id string) error {
	op := func() error {
		return ds.db.Model(&model.ManualBlock{}).Where("id = ?", id).Updates(map[string]interface{}{
			"is_active":  false,
			"updated_at": time.Now(),
		}).Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "deactivate_block"}); err != nil {
		return ds.HandleError(err)
	}
	return nil
}

// DeactivateBlocksMatching retires active blocks on the same module whose
// identity fields equal the supplied ones (supersede-not-stack).
func (ds *PostgresService) DeactivateBlocksMatching(module string, userID, ip, emailDomain *string) (int64, error) {
	query := ds.db.Model(&model.ManualBlock{}).
		Where("is_active = ?", true).
		Where("module = ?", module)

	identity := ds.db.Where("1 = 0")
	if userID != nil {
		identity = identity.Or("user_id = ?", *userID)
	}
	if ip != nil {
		identity = identity.Or("ip_address = ?", *ip)
	}
	if emailDomain != nil {
		identity = identity.Or("email_domain = ?", *emailDomain)
	}
	query = query.Where(identity)

	res := query.Updates(map[string]interface{}{
		"is_active":  false,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return 0, ds.HandleError(res.Error)
	}
	return res.RowsAffected, nil
}

// DeactivateBlocksFor retires active blocks matching a counter reset,
// filtered by whichever of key/module is supplied.
func (ds *PostgresService) DeactivateBlocksFor(key, module string) (int64, error) {
	query := ds.db.Model(&model.ManualBlock{}).Where("is_active = ?", true)
	if key != "" {
		query = query.Where("user_id = ? OR ip_address = ?", key, key)
	}
	if module != "" {
		query = query.Where("module = ? OR module = ?", module, shared.ModuleAll)
	}

	res := query.Updates(map[string]interface{}{
		"is_active":  false,
		"updated_at": time.Now(),
	})
	if res.Error != nil {
		return 0, ds.HandleError(res.Error)
	}
	return res.RowsAffected, nil
}

// ==================== EVENT METHODS ====================

func (ds *PostgresService) InsertEvent(ev *model.RateLimitEvent, omitEmail bool) error {
	if ev.ID == "" {
		id, _ := uuid.NewV7()
		ev.ID = id.String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}

	query := ds.db
	if omitEmail {
		query = query.Omit("email")
	}
	return query.Create(ev).Error
}

func (ds *PostgresService) eventListQuery(req dto.ListEventsRequest) *gorm.DB {
	query := ds.db.Model(&model.RateLimitEvent{})
	if req.Module != "" {
		query = query.Where("module = ?", req.Module)
	}
	if req.EventType != "" {
		query = query.Where("event_type = ?", req.EventType)
	}
	if req.Mode != "" {
		query = query.Where("mode = ?", req.Mode)
	}
	if req.Key != "" {
		query = query.Where("identifier = ?", req.Key)
	}
	if req.Search != "" {
		pattern := "%" + req.Search + "%"
		query = query.Where("identifier ILIKE ? OR email ILIKE ? OR ip_address ILIKE ?", pattern, pattern, pattern)
	}
	if req.From != nil {
		query = query.Where("created_at >= ?", *req.From)
	}
	if req.To != nil {
		query = query.Where("created_at <= ?", *req.To)
	}
	return query
}

func (ds *PostgresService) ListEvents(req dto.ListEventsRequest, limit int, after *dto.EventCursor) ([]model.RateLimitEvent, error) {
	query := ds.eventListQuery(req)
	if after != nil {
		afterTime := time.UnixMilli(after.CreatedAtMs)
		query = query.Where("created_at < ? OR (created_at = ? AND id > ?)", afterTime, afterTime, after.ID)
	}

	var events []model.RateLimitEvent
	op := func() error {
		return query.
			Order("created_at DESC").
			Order("id ASC").
			Limit(limit).
			Find(&events).Error
	}
	if err := shared.WithRetry(context.Background(), op, shared.RetryOptions{Context: "list_events"}); err != nil {
		return nil, ds.HandleError(err)
	}
	return events, nil
}

func (ds *PostgresService) CountEvents(req dto.ListEventsRequest) (int64, error) {
	var count int64
	if err := ds.eventListQuery(req).Count(&count).Error; err != nil {
		return 0, ds.HandleError(err)
	}
	return count, nil
}

func (ds *PostgresService) DeleteEvent(id string) (bool, error) {
	res := ds.db.Where("id = ?", id).Delete(&model.RateLimitEvent{})
	if res.Error != nil {
		return false, ds.HandleError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (ds *PostgresService) PurgeEvents(before time.Time) (int64, error) {
	res := ds.db.Where("created_at < ?", before).Delete(&model.RateLimitEvent{})
	if res.Error != nil {
		return 0, ds.HandleError(res.Error)
	}
	return res.RowsAffected, nil
}

// ==================== USER METHODS ====================

func (ds *PostgresService) GetUserByEmail(email string) (*model.User, error) {
	var user model.User
	err := ds.db.Where("LOWER(email) = LOWER(?)", email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return &user, nil
}

func (ds *PostgresService) GetUserByID(id string) (*model.User, error) {
	var user model.User
	err := ds.db.Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, ds.HandleError(err)
	}
	return &user, nil
}

func (ds *PostgresService) TouchUserLogin(id string, at time.Time) error {
	err := ds.db.Model(&model.User{}).Where("id = ?", id).Update("last_login", at).Error
	if err != nil {
		return ds.HandleError(err)
	}
	return nil
}
