package cache

// Schema contains SQL schema definitions for the cache
const Schema = `
-- Folders table
CREATE TABLE IF NOT EXISTS folders (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    last_synced DATETIME,
    UNIQUE(account_id, name)
);

-- Message headers table
CREATE TABLE IF NOT EXISTS headers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    folder TEXT NOT NULL,
    uid TEXT NOT NULL,
    sender TEXT,
    subject TEXT,
    date DATETIME,
    flags TEXT,
    synced_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, folder, uid)
);

-- Message bodies table. processed_at NULL means raw-only.
CREATE TABLE IF NOT EXISTS bodies (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    folder TEXT NOT NULL,
    uid TEXT NOT NULL,
    text TEXT,
    html TEXT,
    has_attachments INTEGER DEFAULT 0,
    size INTEGER DEFAULT 0,
    content_type TEXT,
    charset TEXT,
    transfer_encoding TEXT,
    is_multipart INTEGER DEFAULT 0,
    raw BLOB,
    processed_at DATETIME,
    UNIQUE(account_id, folder, uid)
);

-- Attachments table
CREATE TABLE IF NOT EXISTS attachments (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    folder TEXT NOT NULL,
    uid TEXT NOT NULL,
    part_id TEXT NOT NULL,
    filename TEXT,
    mime_type TEXT,
    size INTEGER DEFAULT 0,
    data BLOB,
    content_id TEXT,
    inline INTEGER DEFAULT 0,
    checksum TEXT NOT NULL,
    UNIQUE(account_id, folder, uid, part_id)
);

-- Outbox table
CREATE TABLE IF NOT EXISTS outbox (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    last_attempt DATETIME,
    attempts INTEGER DEFAULT 0,
    status TEXT NOT NULL,
    last_error TEXT,
    draft TEXT NOT NULL
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_headers_account_folder ON headers(account_id, folder);
CREATE INDEX IF NOT EXISTS idx_bodies_account_folder ON bodies(account_id, folder);
CREATE INDEX IF NOT EXISTS idx_attachments_checksum ON attachments(checksum);
CREATE INDEX IF NOT EXISTS idx_outbox_account_status ON outbox(account_id, status);
CREATE INDEX IF NOT EXISTS idx_folders_account_id ON folders(account_id);
`
