package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/franz/dw-loader/internal/staging"
	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

// Config holds engine configuration
type Config struct {
	Staging   *store.Store
	Warehouse *store.Store
	Table     string // staging table, defaults to staging_mobile
}

// Result counts what one upsert pass wrote
type Result struct {
	RowsRead          int
	DimensionsCreated map[string]int
	FactsInserted     int
	FactsUpdated      int
	PriceChanges      int
	Unchanged         int
	Skipped           int
}

// Engine folds staged phones into the star schema. Dimension keys are
// resolved for every row before any fact is written. Every dimension insert
// and every fact write commits on its own; there is no engine-wide transaction.
type Engine struct {
	config *Config
	cache  keyCache
	now    func() time.Time
}

// New creates a new engine
func New(cfg *Config) *Engine {
	if cfg.Table == "" {
		cfg.Table = staging.MobileTable.Name
	}
	return &Engine{config: cfg, cache: make(keyCache), now: func() time.Time { return time.Now().UTC() }}
}

// phone is one staged row, typed
type phone struct {
	id              int64
	brand           string
	model           string
	batteryCapacity sql.NullInt64
	screenSize      sql.NullFloat64
	touchscreen     sql.NullBool
	resolutionX     sql.NullInt64
	resolutionY     sql.NullInt64
	processor       sql.NullString
	ram             sql.NullInt64
	internalStorage sql.NullInt64
	rearCamera      sql.NullString
	frontCamera     sql.NullString
	os              sql.NullString
	price           sql.NullFloat64
}

// Upsert resolves dimensions and upserts facts for the staged rows of
// sourceFile, or of the whole staging table when sourceFile is empty
func (e *Engine) Upsert(ctx context.Context, sourceFile string) (*Result, error) {
	if e.config.Table != staging.MobileTable.Name {
		return nil, fmt.Errorf("%w: no dimensional model for staging table %s", util.ErrInvalidConfig, e.config.Table)
	}

	result := &Result{DimensionsCreated: make(map[string]int)}

	phones, err := e.readStaged(ctx, sourceFile)
	if err != nil {
		return nil, err
	}
	result.RowsRead = len(phones)

	conn := e.config.Warehouse.Conn()

	// Dimensions first: facts need every key of their tuple
	keys := make([]map[string]int64, len(phones))
	for i, p := range phones {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if p.brand == "" || p.model == "" || !p.price.Valid {
			continue
		}

		k := make(map[string]int64, len(dimensions))
		for j := range dimensions {
			d := &dimensions[j]
			key, created, err := resolveKey(ctx, conn, d, d.natural(p, k), e.cache)
			if err != nil {
				return result, fmt.Errorf("staged row %d: %w", p.id, err)
			}
			if created {
				result.DimensionsCreated[d.table]++
			}
			k[d.table] = key
		}
		keys[i] = k
	}

	for i, p := range phones {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if keys[i] == nil {
			util.DebugLog("Skipping staged row %d: missing brand, model or price", p.id)
			result.Skipped++
			continue
		}
		if err := e.upsertFact(ctx, keys[i], p.price.Float64, result); err != nil {
			return result, fmt.Errorf("staged row %d: %w", p.id, err)
		}
	}

	util.DebugLog("Upsert: %d rows, %d facts inserted, %d updated, %d price changes",
		result.RowsRead, result.FactsInserted, result.FactsUpdated, result.PriceChanges)
	return result, nil
}

var factKeyColumns = []string{"ModelKey", "SpecKey", "ProcessorKey", "CameraKey", "OSKey"}

func factTuple(keys map[string]int64) []any {
	return []any{keys["DimModel"], keys["DimSpecification"], keys["DimProcessor"], keys["DimCamera"], keys["DimOS"]}
}

// upsertFact inserts a new fact, or updates the price of the existing fact
// for the same key tuple and appends one price change entry
func (e *Engine) upsertFact(ctx context.Context, keys map[string]int64, price float64, result *Result) error {
	tuple := factTuple(keys)
	conn := e.config.Warehouse.Conn()

	var phoneKey int64
	var stored float64
	err := conn.QueryRow(ctx, `
		SELECT PhoneKey, Price FROM FactPhone
		WHERE ModelKey = ? AND SpecKey = ? AND ProcessorKey = ? AND CameraKey = ? AND OSKey = ?
	`, tuple...).Scan(&phoneKey, &stored)

	switch {
	case err == sql.ErrNoRows:
		columns := slices.Concat(factKeyColumns, []string{"Price", "CreatedDate"})
		args := slices.Concat(tuple, []any{price, e.now()})
		if _, err := conn.Insert(ctx, "FactPhone", "PhoneKey", columns, args...); err != nil {
			return fmt.Errorf("%w: failed to insert fact: %w", util.ErrStorage, err)
		}
		result.FactsInserted++
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up fact: %w", err)
	}

	if samePrice(stored, price) {
		result.Unchanged++
		return nil
	}

	// the update and its audit entry land together
	now := e.now()
	err = e.config.Warehouse.Transaction(ctx, func(tx *store.Conn) error {
		if _, err := tx.Exec(ctx, "UPDATE FactPhone SET Price = ?, UpdatedDate = ? WHERE PhoneKey = ?", price, now, phoneKey); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO fact_price_update_log (fact_id, old_price, new_price, updated_at)
			VALUES (?, ?, ?, ?)
		`, phoneKey, stored, price, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: failed to update price of fact %d: %w", util.ErrStorage, phoneKey, err)
	}

	util.DebugLog("Price change on fact %d: %.2f -> %.2f", phoneKey, stored, price)
	result.FactsUpdated++
	result.PriceChanges++
	return nil
}

func samePrice(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func (e *Engine) readStaged(ctx context.Context, sourceFile string) ([]*phone, error) {
	query := `
		SELECT id, COALESCE(brand, ''), COALESCE(model, ''), battery_capacity, screen_size, touchscreen,
		       resolution_x, resolution_y, processor, ram, internal_storage,
		       rear_camera, front_camera, operating_system, price
		FROM ` + e.config.Table
	var args []any
	if sourceFile != "" {
		query += " WHERE " + staging.SourceFileColumn + " = ?"
		args = append(args, sourceFile)
	}
	query += " ORDER BY id"

	rows, err := e.config.Staging.Conn().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read staging: %w", err)
	}
	defer rows.Close()

	var phones []*phone
	for rows.Next() {
		p := &phone{}
		err := rows.Scan(&p.id, &p.brand, &p.model, &p.batteryCapacity, &p.screenSize, &p.touchscreen,
			&p.resolutionX, &p.resolutionY, &p.processor, &p.ram, &p.internalStorage,
			&p.rearCamera, &p.frontCamera, &p.os, &p.price)
		if err != nil {
			return nil, fmt.Errorf("failed to scan staged row: %w", err)
		}
		phones = append(phones, p)
	}
	return phones, rows.Err()
}
