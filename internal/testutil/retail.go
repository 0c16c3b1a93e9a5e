package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// RetailCUE is a small but complete project used across package tests:
// an SCD product dimension, order line and order facts, a blended daily
// KPI mart with forecasts, an inventory balance mart and an experiment mart
// whose significance flag and p-value have different writers.
const RetailCUE = `
source: raw_products: columns: {
	product_id:   "string"
	name:         "string"
	category:     "string"
	unit_price:   "decimal"
	generated_at: "timestamp"
	batch_id:     "string"
}

source: raw_order_items: columns: {
	order_id:        "string"
	product_id:      "string"
	order_date:      "date"
	quantity:        "int"
	unit_price:      "decimal"
	discount_amount: "decimal"
	generated_at:    "timestamp"
	batch_id:        "string"
}

source: raw_inventory: columns: {
	snapshot_date:  "date"
	product_id:     "string"
	opening_stock:  "int"
	units_sold:     "int"
	units_received: "int"
	units_returned: "int"
	reorder_point:  "int"
	generated_at:   "timestamp"
	batch_id:       "string"
}

source: raw_demand_forecasts: columns: {
	date:            "date"
	product_id:      "string"
	horizon:         "string"
	vintage:         "date"
	predicted_units: "int"
	generated_at:    "timestamp"
	batch_id:        "string"
}

source: raw_experiment_events: columns: {
	experiment_id: "string"
	event_date:    "date"
	visitors:      "int"
	conversions:   "int"
	z_score:       "decimal"
	generated_at:  "timestamp"
	batch_id:      "string"
}

dimension: dim_products: {
	from:    "raw_products"
	key:     ["product_id"]
	columns: ["product_id", "name", "category", "unit_price"]
	tracked: ["category", "unit_price"]
	invalidate_hard_deletes: true
}

table: fct_order_items: {
	strategy:   "incremental"
	unique_key: ["order_id", "product_id"]
	watermark:  "order_date"
	from:       "raw_order_items"
	compute: {
		line_gross: {kind: "product", plus: ["quantity", "unit_price"]}
		line_revenue: {kind: "diff", plus: ["line_gross"], minus: ["discount_amount"]}
	}
	grain: {
		order_id:   "order_id"
		product_id: "product_id"
		order_date: "order_date"
	}
	measures: {
		quantity: {func: "sum", column: "quantity"}
		unit_price: {func: "max", column: "unit_price"}
		discount_amount: {func: "sum", column: "discount_amount"}
		revenue: {func: "sum", column: "line_revenue"}
	}
}

table: fct_orders: {
	strategy:   "incremental"
	unique_key: ["order_id"]
	watermark:  "order_date"
	from:       "fct_order_items"
	grain: {
		order_id:   "order_id"
		order_date: "order_date"
	}
	measures: {
		item_count: {func: "count"}
		total_amount: {func: "sum", column: "revenue"}
	}
}

table: mart_category_daily: {
	strategy:   "full"
	unique_key: ["date", "category"]
	from:       "raw_order_items"
	joins: [{
		table: "dim_products"
		on: {product_id: "product_id"}
		columns: {category: "category"}
	}]
	grain: {
		date:     "order_date"
		category: "category"
	}
	measures: {
		units_sold: {func: "sum", column: "quantity"}
		products: {func: "count_distinct", column: "product_id"}
	}
}

table: mart_daily_product_kpis: {
	strategy:   "incremental"
	unique_key: ["date", "product_id"]
	watermark:  "date"
	from:       "raw_order_items"
	compute: {
		line_gross: {kind: "product", plus: ["quantity", "unit_price"]}
	}
	grain: {
		date:       "order_date"
		product_id: "product_id"
	}
	measures: {
		units_sold: {func: "sum", column: "quantity"}
		orders: {func: "count_distinct", column: "order_id"}
		gross_revenue: {func: "sum", column: "line_gross"}
		discounts: {func: "sum", column: "discount_amount"}
	}
	derived: {
		discount_pct: {kind: "pct", num: "discounts", den: "gross_revenue"}
		avg_units_per_order: {kind: "ratio", num: "units_sold", den: "orders"}
	}
	rolling: {
		units_sold_7d_avg: {func: "avg", measure: "units_sold", window: 7}
		units_sold_7d_stddev: {func: "stddev", measure: "units_sold", window: 7}
	}
	writeback: {
		demand_forecast: "decimal"
		forecast_error:  "decimal"
	}
	forecast: {
		from:    "raw_demand_forecasts"
		horizon: "horizon"
		vintage: "vintage"
		columns: {units_sold: "predicted_units"}
	}
}

table: mart_inventory_daily: {
	strategy:   "incremental"
	unique_key: ["snapshot_date", "product_id"]
	watermark:  "snapshot_date"
	from:       "raw_inventory"
	grain: {
		snapshot_date: "snapshot_date"
		product_id:    "product_id"
	}
	measures: {
		opening_stock: {func: "sum", column: "opening_stock"}
		units_sold: {func: "sum", column: "units_sold"}
		units_received: {func: "sum", column: "units_received"}
		units_returned: {func: "sum", column: "units_returned"}
		reorder_point: {func: "max", column: "reorder_point"}
	}
	derived: {
		closing_stock: {
			kind:  "balance"
			plus:  ["opening_stock", "units_received", "units_returned"]
			minus: ["units_sold"]
			floor: 0
		}
		below_reorder_point: {kind: "flag", left: "closing_stock", op: "lt", right: "reorder_point"}
		sell_through_pct: {kind: "pct", num: "units_sold", den: "opening_stock"}
	}
	writeback: {
		stockout_risk: "decimal"
	}
}

table: mart_experiment_daily: {
	strategy:   "incremental"
	unique_key: ["experiment_id", "date"]
	watermark:  "date"
	from:       "raw_experiment_events"
	grain: {
		experiment_id: "experiment_id"
		date:          "event_date"
	}
	measures: {
		visitors: {func: "sum", column: "visitors"}
		conversions: {func: "sum", column: "conversions"}
		z_score: {func: "max", column: "z_score"}
	}
	derived: {
		conversion_pct: {kind: "pct", num: "conversions", den: "visitors"}
		is_significant: {kind: "flag", left: "z_score", op: "gte", value: 1.96}
	}
	writeback: {
		p_value: "decimal"
	}
}

rule: order_items_unique: {
	kind:    "unique"
	table:   "fct_order_items"
	columns: ["order_id", "product_id"]
}

rule: line_revenue_identity: {
	kind:  "expr"
	table: "fct_order_items"
	expr:  "ABS(revenue - (quantity * unit_price - discount_amount)) <= 0.01"
}

rule: order_total_matches_items: {
	kind:       "sum_match"
	table:      "fct_orders"
	column:     "total_amount"
	columns:    ["order_id"]
	ref_table:  "fct_order_items"
	ref_column: "revenue"
	tolerance:  0.01
}

rule: closing_stock_balance: {
	kind:  "balance"
	table: "mart_inventory_daily"
	column: "closing_stock"
	plus:  ["opening_stock", "units_received", "units_returned"]
	minus: ["units_sold"]
	floor: 0
}

rule: reorder_flag_consistent: {
	kind:   "flag"
	table:  "mart_inventory_daily"
	column: "below_reorder_point"
	left:   "closing_stock"
	op:     "lt"
	right:  "reorder_point"
}

rule: sell_through_bounded: {
	kind:   "range"
	table:  "mart_inventory_daily"
	column: "sell_through_pct"
	min:    0
	max:    100
}

rule: sell_through_stress: {
	kind:     "range"
	severity: "warn"
	table:    "mart_inventory_daily"
	column:   "sell_through_pct"
	max:      90
}

rule: discount_pct_bounded: {
	kind:   "range"
	table:  "mart_daily_product_kpis"
	column: "discount_pct"
	min:    0
	max:    100
	where:  "is_forecast = 0"
}

rule: kpi_products_known: {
	kind:        "referential"
	severity:    "warn"
	table:       "mart_daily_product_kpis"
	columns:     ["product_id"]
	ref_table:   "dim_products"
	ref_columns: ["product_id"]
}

rule: significance_agrees_with_p_value: {
	kind:       "flag"
	severity:   "warn"
	table:      "mart_experiment_daily"
	column:     "is_significant"
	left:       "p_value"
	op:         "lt"
	value:      0.05
	skip_nulls: true
}
`

// WriteSpecs writes content as specs.cue in a fresh temp directory and
// returns the directory.
func WriteSpecs(t testing.TB, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "specs.cue"), []byte(content), 0o644); err != nil {
		t.Fatalf("write specs: %v", err)
	}
	return dir
}
