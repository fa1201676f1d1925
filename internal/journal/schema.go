package journal

import "strings"

// schema is shared by both drivers; {{id}} and {{ts}} are replaced with the driver's column types.
const schema = `
CREATE TABLE IF NOT EXISTS var_evaluations (
	seq          {{id}},
	at           {{ts}} NOT NULL,
	available    BOOLEAN NOT NULL,
	breach       BOOLEAN NOT NULL,
	observations INTEGER NOT NULL,
	target       DOUBLE PRECISION NOT NULL,
	historical   DOUBLE PRECISION NOT NULL,
	parametric   DOUBLE PRECISION NOT NULL,
	monte_carlo  DOUBLE PRECISION NOT NULL,
	reason       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_snapshots (
	seq         {{id}},
	at          {{ts}} NOT NULL,
	window_size INTEGER NOT NULL,
	matrix      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS correlation_events (
	seq         {{id}},
	at          {{ts}} NOT NULL,
	kind        TEXT NOT NULL,
	pair_a      TEXT NOT NULL,
	pair_b      TEXT NOT NULL,
	correlation DOUBLE PRECISION NOT NULL,
	level       DOUBLE PRECISION NOT NULL,
	reduce      TEXT NOT NULL,
	factor      DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	seq             {{id}},
	trade_id        TEXT NOT NULL,
	signal_id       TEXT NOT NULL,
	strategy_id     TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	direction       TEXT NOT NULL,
	units           TEXT NOT NULL,
	entry_price     TEXT NOT NULL,
	exit_price      TEXT NOT NULL,
	entry_time      {{ts}} NOT NULL,
	exit_time       {{ts}} NOT NULL,
	gross_pnl       TEXT NOT NULL,
	net_pnl         TEXT NOT NULL,
	spread_cost     TEXT NOT NULL,
	slippage_cost   TEXT NOT NULL,
	financing_cost  TEXT NOT NULL,
	commission_cost TEXT NOT NULL,
	regime_at_entry TEXT NOT NULL,
	regime_at_exit  TEXT NOT NULL,
	exit_reason     TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS emergency_transitions (
	seq          {{id}},
	from_level   INTEGER NOT NULL,
	to_level     INTEGER NOT NULL,
	cause        TEXT NOT NULL,
	drawdown     DOUBLE PRECISION NOT NULL,
	stress_ratio DOUBLE PRECISION NOT NULL,
	at           {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS rejected_signals (
	seq         {{id}},
	signal_id   TEXT NOT NULL,
	strategy_id TEXT NOT NULL,
	instrument  TEXT NOT NULL,
	reason      TEXT NOT NULL,
	rejected_at {{ts}} NOT NULL,
	signal      TEXT NOT NULL
);
`

// schemaFor renders the schema for a driver and splits it into statements.
func schemaFor(driver string) []string {
	id, ts := "INTEGER PRIMARY KEY AUTOINCREMENT", "DATETIME"
	if driver == DriverPostgres {
		id, ts = "BIGSERIAL PRIMARY KEY", "TIMESTAMPTZ"
	}
	rendered := strings.NewReplacer("{{id}}", id, "{{ts}}", ts).Replace(schema)

	var stmts []string
	for _, stmt := range strings.Split(rendered, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
