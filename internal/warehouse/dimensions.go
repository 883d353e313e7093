package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/franz/dw-loader/internal/store"
	"github.com/franz/dw-loader/internal/util"
)

// dimension declares one dimension table and how its natural key is drawn
// from a staged phone. Dimensions resolve in slice order, so a dimension may
// depend on the keys of the ones before it.
type dimension struct {
	table   string
	key     string
	columns []string
	natural func(p *phone, keys map[string]int64) []any
}

var dimensions = []dimension{
	{
		table:   "DimBrand",
		key:     "BrandKey",
		columns: []string{"BrandName"},
		natural: func(p *phone, _ map[string]int64) []any {
			return []any{p.brand}
		},
	},
	{
		table:   "DimModel",
		key:     "ModelKey",
		columns: []string{"ModelName", "BrandKey"},
		natural: func(p *phone, keys map[string]int64) []any {
			return []any{p.model, keys["DimBrand"]}
		},
	},
	{
		table:   "DimSpecification",
		key:     "SpecKey",
		columns: []string{"BatteryCapacity", "ScreenSize", "Touchscreen", "ResolutionX", "ResolutionY", "RAM", "InternalStorage"},
		natural: func(p *phone, _ map[string]int64) []any {
			return []any{
				nullable(p.batteryCapacity), nullable(p.screenSize), nullable(p.touchscreen),
				nullable(p.resolutionX), nullable(p.resolutionY), nullable(p.ram), nullable(p.internalStorage),
			}
		},
	},
	{
		table:   "DimProcessor",
		key:     "ProcessorKey",
		columns: []string{"ProcessorName"},
		natural: func(p *phone, _ map[string]int64) []any {
			return []any{nullable(p.processor)}
		},
	},
	{
		table:   "DimCamera",
		key:     "CameraKey",
		columns: []string{"RearCamera", "FrontCamera"},
		natural: func(p *phone, _ map[string]int64) []any {
			return []any{nullable(p.rearCamera), nullable(p.frontCamera)}
		},
	},
	{
		table:   "DimOS",
		key:     "OSKey",
		columns: []string{"OSName"},
		natural: func(p *phone, _ map[string]int64) []any {
			return []any{nullable(p.os)}
		},
	},
}

// keyCache maps an encoded natural key tuple to its surrogate key, per table
type keyCache map[string]map[string]int64

func (c keyCache) get(table, tuple string) (int64, bool) {
	k, ok := c[table][tuple]
	return k, ok
}

func (c keyCache) put(table, tuple string, key int64) {
	if c[table] == nil {
		c[table] = make(map[string]int64)
	}
	c[table][tuple] = key
}

// encodeTuple renders a natural key so that NULL and the empty string differ
func encodeTuple(values []any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		if v == nil {
			b.WriteString("\x00")
			continue
		}
		fmt.Fprintf(&b, "%T:%v", v, v)
	}
	return b.String()
}

// resolveKey returns the surrogate key of a natural key tuple, inserting a
// dimension row only when none exists. Each insert commits on its own.
func resolveKey(ctx context.Context, conn *store.Conn, d *dimension, values []any, cache keyCache) (key int64, created bool, err error) {
	tuple := encodeTuple(values)
	if k, ok := cache.get(d.table, tuple); ok {
		return k, false, nil
	}

	key, err = lookupKey(ctx, conn, d, values)
	if err != nil {
		return 0, false, err
	}
	if key != 0 {
		cache.put(d.table, tuple, key)
		return key, false, nil
	}

	key, err = conn.Insert(ctx, d.table, d.key, d.columns, values...)
	if err != nil {
		if util.IsFatal(err) {
			return 0, false, err
		}
		// another writer may have created it first
		existing, lerr := lookupKey(ctx, conn, d, values)
		if lerr != nil || existing == 0 {
			return 0, false, fmt.Errorf("%w: failed to insert %s: %w", util.ErrStorage, d.table, err)
		}
		cache.put(d.table, tuple, existing)
		return existing, false, nil
	}

	cache.put(d.table, tuple, key)
	return key, true, nil
}

func lookupKey(ctx context.Context, conn *store.Conn, d *dimension, values []any) (int64, error) {
	preds := make([]string, len(d.columns))
	var args []any
	for i, col := range d.columns {
		pred, binds := conn.Dialect().NullSafeEqual(col)
		preds[i] = pred
		for j := 0; j < binds; j++ {
			args = append(args, values[i])
		}
	}

	var key int64
	err := conn.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", d.key, d.table, strings.Join(preds, " AND ")), args...).Scan(&key)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to look up %s: %w", d.table, err)
	}
	return key, nil
}

// nullable turns an invalid sql.Null* into a nil interface
func nullable(v any) any {
	switch n := v.(type) {
	case sql.NullString:
		if !n.Valid {
			return nil
		}
		return n.String
	case sql.NullInt64:
		if !n.Valid {
			return nil
		}
		return n.Int64
	case sql.NullFloat64:
		if !n.Valid {
			return nil
		}
		return n.Float64
	case sql.NullBool:
		if !n.Valid {
			return nil
		}
		return n.Bool
	default:
		return v
	}
}
