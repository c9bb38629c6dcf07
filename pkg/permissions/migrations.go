package permissions

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the permission-model schema in apply order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create users and groups tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS users (
					id BIGSERIAL PRIMARY KEY,
					username VARCHAR(255) NOT NULL UNIQUE,
					email VARCHAR(255),
					role VARCHAR(50) NOT NULL DEFAULT 'user',
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS groups (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS user_groups (
					user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT NOT NULL REFERENCES groups(id) ON DELETE CASCADE,
					PRIMARY KEY (user_id, group_id)
				);

				CREATE INDEX idx_user_groups_user_id ON user_groups(user_id);
				CREATE INDEX idx_user_groups_group_id ON user_groups(group_id);
			`,
		},
		{
			Version:     2,
			Description: "Create folders and files tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS folders (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(1024) NOT NULL,
					owner_id BIGINT NOT NULL REFERENCES users(id),
					parent_id BIGINT REFERENCES folders(id) ON DELETE CASCADE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS files (
					id BIGSERIAL PRIMARY KEY,
					name VARCHAR(1024) NOT NULL,
					owner_id BIGINT NOT NULL REFERENCES users(id),
					folder_id BIGINT REFERENCES folders(id) ON DELETE CASCADE,
					size_bytes BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMP NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_folders_owner_id ON folders(owner_id);
				CREATE INDEX idx_folders_parent_id ON folders(parent_id);
				CREATE INDEX idx_files_owner_id ON files(owner_id);
				CREATE INDEX idx_files_folder_id ON files(folder_id);
			`,
		},
		{
			Version:     3,
			Description: "Create direct permission tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS file_permissions (
					id BIGSERIAL PRIMARY KEY,
					file_id BIGINT NOT NULL REFERENCES files(id) ON DELETE CASCADE,
					user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT REFERENCES groups(id) ON DELETE CASCADE,
					can_read BOOLEAN NOT NULL DEFAULT FALSE,
					can_write BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					can_share BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CHECK ((user_id IS NULL) <> (group_id IS NULL))
				);

				CREATE TABLE IF NOT EXISTS folder_permissions (
					id BIGSERIAL PRIMARY KEY,
					folder_id BIGINT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
					user_id BIGINT REFERENCES users(id) ON DELETE CASCADE,
					group_id BIGINT REFERENCES groups(id) ON DELETE CASCADE,
					can_read BOOLEAN NOT NULL DEFAULT FALSE,
					can_write BOOLEAN NOT NULL DEFAULT FALSE,
					can_delete BOOLEAN NOT NULL DEFAULT FALSE,
					can_share BOOLEAN NOT NULL DEFAULT FALSE,
					created_at TIMESTAMP NOT NULL DEFAULT NOW(),
					CHECK ((user_id IS NULL) <> (group_id IS NULL))
				);

				CREATE UNIQUE INDEX idx_file_permissions_user ON file_permissions(file_id, user_id) WHERE user_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_file_permissions_group ON file_permissions(file_id, group_id) WHERE group_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_folder_permissions_user ON folder_permissions(folder_id, user_id) WHERE user_id IS NOT NULL;
				CREATE UNIQUE INDEX idx_folder_permissions_group ON folder_permissions(folder_id, group_id) WHERE group_id IS NOT NULL;
				CREATE INDEX idx_file_permissions_file_id ON file_permissions(file_id);
				CREATE INDEX idx_folder_permissions_folder_id ON folder_permissions(folder_id);
			`,
		},
	}
}

// RunMigrations applies pending migrations in order, each in its own
// transaction, tracked in permission_migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS permission_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM permission_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO permission_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
