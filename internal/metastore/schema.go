package metastore

// schema creates the file record table. Rows removed by Unlink or replaced
// by Rename stay behind with dirty_type = 4 until the sync layer reaps
// them, so the (parent, name) uniqueness only applies to live rows.
const schema = `
CREATE TABLE IF NOT EXISTS files (
	local_id        INTEGER PRIMARY KEY AUTOINCREMENT,
	cloud_id        TEXT    NOT NULL UNIQUE,
	parent_cloud_id TEXT    NOT NULL,
	file_name       TEXT    NOT NULL,
	is_directory    INTEGER NOT NULL DEFAULT 0,
	size            INTEGER NOT NULL DEFAULT 0,
	mtime           INTEGER NOT NULL,
	ctime           INTEGER NOT NULL,
	atime           INTEGER NOT NULL,
	dirty_type      INTEGER NOT NULL DEFAULT 1,
	position        INTEGER NOT NULL DEFAULT 1,
	is_favorite     INTEGER NOT NULL DEFAULT 0,
	recycled        INTEGER NOT NULL DEFAULT 0,
	upload_state    INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS files_parent_name
	ON files (parent_cloud_id, file_name) WHERE dirty_type != 4;

CREATE INDEX IF NOT EXISTS files_dirty ON files (dirty_type);
`

const selectColumns = `cloud_id, parent_cloud_id, local_id, file_name, is_directory,
	size, mtime, ctime, atime, dirty_type, position`
