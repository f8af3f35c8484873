package inventory

// Schema contains the SQLite database schema.
const Schema = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

-- Devices: last known handle per host. MACs are recorded when the
-- vendor exposes them but hosts are the key, since detection works on
-- addresses.
CREATE TABLE IF NOT EXISTS devices (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    host TEXT NOT NULL UNIQUE,
    port INTEGER NOT NULL,
    vendor TEXT NOT NULL,        -- 'antminer', 'vnish', 'whatsminer', ...
    model TEXT,                  -- normalized, e.g. "s19pro", "M30S", "1246"
    mac_address TEXT,
    is_online INTEGER DEFAULT 1, -- 1 = online, 0 = offline
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    last_seen_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_devices_vendor ON devices(vendor);
CREATE INDEX IF NOT EXISTS idx_devices_mac ON devices(mac_address);

-- Readings: the last status snapshot per device. History is not kept.
CREATE TABLE IF NOT EXISTS readings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    device_id INTEGER NOT NULL UNIQUE,
    hashrate_ths REAL,
    power_w REAL,
    efficiency_jth REAL,
    temperature_c REAL,
    sleeping INTEGER DEFAULT 0,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE
);
`

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// Migrations contains SQL migrations indexed by version.
// Each migration upgrades from version N-1 to version N.
var Migrations = map[int]string{
	1: Schema, // Initial schema
}
