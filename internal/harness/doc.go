// Package harness runs reconciliation scenarios written in YAML.
//
// A scenario compiles a CUE project, then executes its steps against a
// fresh in-memory store: loading source rows, running the engine,
// submitting writeback requests and checking rules. Every step appends an
// event to the scenario trace, and assertions inspect the final stored
// state. The trace can be compared against a golden file.
//
// # Scenario Format
//
//	name: scenario_name
//	description: "What this scenario validates"
//	specs:
//	  - ../specs/retail.cue
//	start: "2024-03-03T00:00:00Z"   # effective time of the first run
//	steps:
//	  - load:
//	      raw_order_items:
//	        - {order_id: o1, product_id: p1, order_date: "2024-03-01", quantity: 2}
//	  - run:
//	      counts:
//	        fct_order_items: {inserted: 1}
//	  - run:
//	      expect: failed
//	      code: INVARIANT_FAILED
//	  - writeback:
//	      table: mart_experiment_daily
//	      rows: [{experiment_id: e1, date: "2024-03-01", p_value: "0.2"}]
//	      matched: 1
//	  - check:
//	      violations: {significance_agrees_with_p_value: 1}
//	assertions:
//	  - type: row_count
//	    table: fct_order_items
//	    count: 1
//	  - type: final_state
//	    table: fct_orders
//	    where: {order_id: o1}
//	    expect: {item_count: 1}
//	  - type: watermark
//	    table: fct_order_items
//	    value: "2024-03-01"
//	  - type: scd_intervals
//	    table: dim_products
//
// Each run advances the effective time by one hour. Values are coerced
// to the declared column types, so decimals may be written as quoted
// strings to keep them exact.
package harness
