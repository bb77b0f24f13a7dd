package sqlite

// Money columns are TEXT so decimal values keep their exact representation.
// Timestamps are TIMESTAMP text written with an explicit offset.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS services (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_price TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		attendant_id TEXT NOT NULL,
		business_date DATE NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('open', 'confirmed', 'cancelled')),
		subtotal TEXT NOT NULL,
		discount TEXT NOT NULL,
		total TEXT NOT NULL,
		refund_total TEXT NOT NULL DEFAULT '0',
		commission_amount TEXT NOT NULL DEFAULT '0',
		notes TEXT NOT NULL DEFAULT '',
		cancel_reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		confirmed_at TIMESTAMP,
		cancelled_at TIMESTAMP,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS client_packages (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL REFERENCES clients(id),
		service_id TEXT NOT NULL REFERENCES services(id),
		initial_quantity INTEGER NOT NULL,
		consumed_quantity INTEGER NOT NULL CHECK (consumed_quantity >= 0),
		available_quantity INTEGER NOT NULL CHECK (available_quantity >= 0),
		unit_price TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT 1,
		origin_sale_id TEXT REFERENCES sales(id),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		CHECK (available_quantity = initial_quantity - consumed_quantity)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS client_packages_one_active
		ON client_packages (client_id, service_id) WHERE active = 1`,
	`CREATE TABLE IF NOT EXISTS sale_lines (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		position INTEGER NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('plain', 'package_grant', 'package_consumption')),
		service_id TEXT NOT NULL REFERENCES services(id),
		package_id TEXT REFERENCES client_packages(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		discount TEXT NOT NULL,
		line_total TEXT NOT NULL,
		UNIQUE (sale_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS package_grants (
		id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL REFERENCES client_packages(id),
		source TEXT NOT NULL CHECK (source IN ('sale', 'administrative')),
		sale_id TEXT REFERENCES sales(id),
		sale_line_id TEXT UNIQUE REFERENCES sale_lines(id),
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		revoked_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		CHECK (source <> 'sale' OR (sale_id IS NOT NULL AND sale_line_id IS NOT NULL)),
		CHECK (source <> 'administrative' OR reason <> '')
	)`,
	`CREATE INDEX IF NOT EXISTS package_grants_package ON package_grants (package_id)`,
	`CREATE TABLE IF NOT EXISTS package_consumptions (
		id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL REFERENCES client_packages(id),
		sale_id TEXT NOT NULL REFERENCES sales(id),
		sale_line_id TEXT NOT NULL UNIQUE REFERENCES sale_lines(id),
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		unit_price TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS package_consumptions_package ON package_consumptions (package_id)`,
	`CREATE TABLE IF NOT EXISTS ledger_adjustments (
		id TEXT PRIMARY KEY,
		package_id TEXT NOT NULL REFERENCES client_packages(id),
		kind TEXT NOT NULL CHECK (kind IN ('resync', 'adopt')),
		initial_delta INTEGER NOT NULL,
		consumed_delta INTEGER NOT NULL,
		stored_initial INTEGER NOT NULL,
		stored_consumed INTEGER NOT NULL,
		reason TEXT NOT NULL CHECK (reason <> ''),
		actor TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commission_policies (
		id TEXT PRIMARY KEY,
		classification TEXT NOT NULL CHECK (classification IN ('plain', 'package_grant', 'package_consumption')),
		method TEXT NOT NULL CHECK (method IN ('rate', 'flat')),
		rate TEXT NOT NULL DEFAULT '0',
		flat_amount TEXT NOT NULL DEFAULT '0',
		valid_from DATE NOT NULL,
		valid_until DATE,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS commissions (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		sale_line_id TEXT NOT NULL REFERENCES sale_lines(id),
		attendant_id TEXT NOT NULL,
		policy_id TEXT NOT NULL REFERENCES commission_policies(id),
		classification TEXT NOT NULL,
		reference_date DATE NOT NULL,
		base_amount TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL CHECK (status IN ('active', 'void')),
		created_at TIMESTAMP NOT NULL,
		voided_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS commissions_attendant_date ON commissions (attendant_id, reference_date)`,
	`CREATE TABLE IF NOT EXISTS sale_refunds (
		id TEXT PRIMARY KEY,
		sale_id TEXT NOT NULL REFERENCES sales(id),
		sale_line_id TEXT REFERENCES sale_lines(id),
		amount TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		actor_username TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_logs_created ON audit_logs (created_at)`,
}
